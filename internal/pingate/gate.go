package pingate

import (
	"context"
	"log/slog"
	"sync"
)

// Vault is what the gate needs from the credential store.
type Vault interface {
	IsPinSet(ctx context.Context) (bool, error)
	SetPin(ctx context.Context, pin string) error
	VerifyPin(ctx context.Context, pin string) (bool, error)
	BiometricEnabled(ctx context.Context) (bool, error)
}

// View is the externally visible gate state. Entered digits are reported as a count only.
type View struct {
	Mode          string `json:"mode"`
	Digits        int    `json:"digits"`
	Error         string `json:"error,omitempty"`
	Authenticated bool   `json:"authenticated"`
}

// Gate holds the current Session and performs the side effects its transitions ask for.
type Gate struct {
	vault  Vault
	logger *slog.Logger

	mu      sync.Mutex
	session Session
	entered bool
}

func NewGate(vault Vault, logger *slog.Logger) *Gate {
	return &Gate{vault: vault, logger: logger}
}

// Enter starts a fresh session: VERIFY when a PIN is stored, CREATE otherwise.
func (g *Gate) Enter(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enterLocked(ctx)
}

// Lock discards the current session, authenticated or not, and re-enters.
func (g *Gate) Lock(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.logger.Info("gate locked")
	return g.enterLocked(ctx)
}

func (g *Gate) enterLocked(ctx context.Context) error {
	pinSet, err := g.vault.IsPinSet(ctx)
	if err != nil {
		g.entered = false
		return err
	}
	g.session = NewSession(pinSet)
	g.entered = true
	return nil
}

func (g *Gate) ensureEnteredLocked(ctx context.Context) error {
	if g.entered {
		return nil
	}
	return g.enterLocked(ctx)
}

func (g *Gate) OnDigit(ctx context.Context, d rune) (View, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.ensureEnteredLocked(ctx); err != nil {
		return View{}, err
	}

	next, action := g.session.Press(d)
	switch action {
	case ActionPersist:
		err := g.vault.SetPin(ctx, next.Entered)
		if err != nil {
			g.logger.Error("failed to save PIN", "error", err)
		} else {
			g.logger.Info("PIN created")
		}
		next = next.Persisted(err == nil)
	case ActionVerify:
		ok, err := g.vault.VerifyPin(ctx, next.Entered)
		if err != nil {
			g.logger.Error("failed to check PIN", "error", err)
		}
		next = next.Verified(ok && err == nil)
		if next.Authenticated {
			g.logger.Info("unlocked with PIN")
		}
	}
	g.session = next
	return g.viewLocked(), nil
}

func (g *Gate) OnDelete(ctx context.Context) (View, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.ensureEnteredLocked(ctx); err != nil {
		return View{}, err
	}
	g.session = g.session.Delete()
	return g.viewLocked(), nil
}

func (g *Gate) OnBiometric(ctx context.Context, r BiometricResult) (View, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.ensureEnteredLocked(ctx); err != nil {
		return View{}, err
	}

	enabled, err := g.vault.BiometricEnabled(ctx)
	if err != nil {
		return g.viewLocked(), err
	}
	g.session = g.session.Biometric(r, enabled)
	if g.session.Authenticated {
		g.logger.Info("unlocked with biometric")
	} else if r.Outcome == BiometricError {
		g.logger.Warn("biometric authentication error", "message", r.Message)
	}
	return g.viewLocked(), nil
}

func (g *Gate) State(ctx context.Context) (View, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.ensureEnteredLocked(ctx); err != nil {
		return View{}, err
	}
	return g.viewLocked(), nil
}

func (g *Gate) Authenticated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.entered && g.session.Authenticated
}

// Session returns a copy of the current session.
func (g *Gate) Session() Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.session
}

func (g *Gate) viewLocked() View {
	return View{
		Mode:          g.session.Mode.String(),
		Digits:        len(g.session.Entered),
		Error:         g.session.Error,
		Authenticated: g.session.Authenticated,
	}
}
