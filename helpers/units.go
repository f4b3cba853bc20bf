package helpers

import (
	"fmt"
	"math"
)

// cTrader expresses volume in hundredths of a unit; one lot is 100000 units.
const (
	unitsPerLot  = 100000
	volumeFactor = 100 * unitsPerLot
)

// LotsToVolume converts a lot size into protocol volume (lot × 100 × 100000).
func LotsToVolume(lots float64) int64 {
	return int64(math.Round(lots * volumeFactor))
}

// VolumeToLots converts protocol volume back into display lots.
func VolumeToLots(volume int64) float64 {
	return float64(volume) * 0.01 / unitsPerLot
}

// ScaleMoney converts an integer money amount reported with moneyDigits
// decimal places into a float.
func ScaleMoney(amount int64, moneyDigits uint32) float64 {
	return float64(amount) / math.Pow10(int(moneyDigits))
}

// Pips returns the signed pip distance between entry and exit for a leg.
// Short legs gain when price falls, so their distance is negated.
func Pips(entry, exit, pipSize float64, long bool) float64 {
	if pipSize <= 0 {
		return 0
	}
	diff := (exit - entry) / pipSize
	if !long {
		diff = -diff
	}
	return math.Round(diff*10) / 10
}

// FormatMoney formats an account-currency amount with thousand separators,
// e.g. -1234.5 -> "-1,234.50".
func FormatMoney(amount float64) string {
	negative := amount < 0
	if negative {
		amount = -amount
	}

	cents := int64(math.Round(amount * 100))
	str := fmt.Sprintf("%d", cents/100)
	length := len(str)

	var result string
	for i, digit := range str {
		if i > 0 && (length-i)%3 == 0 {
			result += ","
		}
		result += string(digit)
	}
	result = fmt.Sprintf("%s.%02d", result, cents%100)

	if negative {
		return "-" + result
	}
	return result
}
