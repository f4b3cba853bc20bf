package engine

import (
	"fmt"

	"github.com/arifwicaksono2000/botapp-trader/helpers"
	"github.com/arifwicaksono2000/botapp-trader/logger"
	"github.com/arifwicaksono2000/botapp-trader/metrics"
	"github.com/arifwicaksono2000/botapp-trader/openapi"
)

// SessionState is the broker session lifecycle.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateAppAuthenticated
	StateAccountAuthenticated
	StateReady
	StateDraining
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAppAuthenticated:
		return "app_authenticated"
	case StateAccountAuthenticated:
		return "account_authenticated"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (e *Engine) setState(s SessionState) {
	if e.state == s {
		return
	}
	logger.Debugf("Session %s -> %s", e.state, s)
	e.state = s
	metrics.SessionState.Set(float64(s))
}

func (e *Engine) connected() {
	if e.state == StateDraining || e.shuttingDown.Load() {
		return
	}
	e.setState(StateConnecting)
	e.send(openapi.ApplicationAuthReq{
		ClientID:     e.cfg.ClientID,
		ClientSecret: e.cfg.ClientSecret,
	})
}

func (e *Engine) onAppAuth() {
	if e.state != StateConnecting {
		logger.Debugf("Application auth response in state %s ignored", e.state)
		return
	}
	e.setState(StateAppAuthenticated)
	logger.Info("Application authorized")
	e.authorizeAccount()
}

// authorizeAccount loads the current access token and sends the account
// auth request.
func (e *Engine) authorizeAccount() {
	async(e.sched, e.creds.AccessToken, func(token string, err error) {
		if err != nil {
			e.fail(fmt.Errorf("%w: load access token: %v", ErrFatal, err))
			return
		}
		if e.state != StateAppAuthenticated {
			return
		}
		e.send(openapi.AccountAuthReq{AccountID: e.cfg.AccountID, AccessToken: token})
	})
}

func (e *Engine) onAccountAuth() {
	if e.state != StateAppAuthenticated {
		logger.Debugf("Account auth response in state %s ignored", e.state)
		return
	}
	e.setState(StateAccountAuthenticated)
	logger.Infof("Account %d authorized", e.cfg.AccountID)
	e.send(openapi.SubscribeSpotsReq{
		AccountID: e.cfg.AccountID,
		SymbolIDs: []int64{e.cfg.SymbolID},
	})
}

func (e *Engine) onSubscribed() {
	if e.state != StateAccountAuthenticated {
		return
	}
	e.ready()
}

// ready starts the PnL monitor and the periodic reconciliation, then runs a
// reconciliation pass immediately.
func (e *Engine) ready() {
	e.setState(StateReady)
	logger.Infof("Session ready, subscribed to symbol %d", e.cfg.SymbolID)
	e.schedulePnL()
	e.scheduleReconcileTick()
	e.requestReconcile()
}

func (e *Engine) onError(ev openapi.ErrorRes, clientMsgID string) {
	switch {
	case openapi.IsAuthExpired(ev.ErrorCode):
		e.onAuthExpired(ev.ErrorCode)
	case ev.ErrorCode == openapi.ErrCodeAlreadySubscribed && e.state == StateAccountAuthenticated:
		e.ready()
	case e.orders.Pending(clientMsgID):
		e.onOrderRejected(clientMsgID, ev.ErrorCode, ev.Description)
	case e.state < StateReady:
		logger.Errorf("Handshake error in state %s: %s %s", e.state, ev.ErrorCode, ev.Description)
	default:
		logger.Warnf("Broker error %s: %s", ev.ErrorCode, ev.Description)
	}
}

// onAuthExpired refreshes the token once. A second expiry while that refresh
// is in flight is fatal.
func (e *Engine) onAuthExpired(code string) {
	if e.state == StateDraining || e.state == StateDisconnected {
		logger.Debugf("Auth expiry %s in state %s ignored", code, e.state)
		return
	}
	if e.refreshing {
		e.fail(fmt.Errorf("%w: %s while a token refresh is in flight", ErrFatal, code))
		return
	}
	logger.Warnf("Access token rejected (%s), refreshing", code)
	e.refresh(code)
}

func (e *Engine) refresh(reason string) {
	e.refreshing = true
	e.stopPnL()
	e.stopReconcileTick()
	e.setState(StateAppAuthenticated)

	async(e.sched, e.creds.Refresh, func(token string, err error) {
		e.refreshing = false
		if err != nil {
			e.fail(fmt.Errorf("%w: token refresh (%s): %v", ErrFatal, reason, err))
			return
		}
		if e.state != StateAppAuthenticated {
			return
		}
		logger.Info("Access token refreshed, re-authorizing account")
		e.send(openapi.AccountAuthReq{AccountID: e.cfg.AccountID, AccessToken: token})
	})
}

func (e *Engine) onAccountDisconnect() {
	if e.state == StateDraining {
		e.signalLoggedOut()
		return
	}
	if e.state < StateAppAuthenticated {
		return
	}
	logger.Warn("Account session dropped by the broker, re-authorizing")
	e.stopPnL()
	e.stopReconcileTick()
	e.setState(StateAppAuthenticated)
	e.authorizeAccount()
}

func (e *Engine) onLoggedOut() {
	if e.state == StateDraining {
		logger.Info("Account logout acknowledged")
		e.signalLoggedOut()
	}
}

// disconnected drops all session state. Anything still open on the
// exchange is picked up by reconciliation after the next handshake.
func (e *Engine) disconnected(err error) {
	e.cancelAllTimers()
	e.ws.Reset()
	e.orders.Reset()
	e.requests = make(map[string]func(openapi.Event))
	e.reconciling = false
	e.rerun = false
	e.pass++
	metrics.OpenPositions.Set(0)

	draining := e.state == StateDraining || e.shuttingDown.Load()
	if draining {
		e.signalLoggedOut()
		return
	}
	e.setState(StateDisconnected)
	if err != nil {
		logger.Warnf("Disconnected: %v", err)
	} else {
		logger.Warn("Disconnected")
	}
}

func (e *Engine) drain() {
	e.cancelAllTimers()
	connected := e.state != StateDisconnected
	e.setState(StateDraining)
	if !connected {
		e.signalLoggedOut()
		return
	}
	logger.Info("Draining: logging out account")
	if err := e.gw.Send(openapi.AccountLogoutReq{AccountID: e.cfg.AccountID}, helpers.NewMessageID()); err != nil {
		logger.Warnf("Logout request failed: %v", err)
		e.signalLoggedOut()
	}
}

func (e *Engine) signalLoggedOut() {
	e.logoutOnce.Do(func() { close(e.loggedOut) })
}
