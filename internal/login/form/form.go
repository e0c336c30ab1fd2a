package form

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"finitefield.org/hanko-login/internal/login/i18n"
	"finitefield.org/hanko-login/internal/login/identity"
)

// RootPath is where a successful sign-in navigates to.
const RootPath = "/"

// ErrSubmitInProgress is returned when Submit is called while a previous
// submission on the same form has not finished.
var ErrSubmitInProgress = errors.New("form: submit already in progress")

// AuthProvider performs the password sign-in.
type AuthProvider interface {
	SignIn(ctx context.Context, email, password string) (*identity.Session, error)
}

// ErrorTranslator turns a sign-in failure into text shown to the user.
type ErrorTranslator interface {
	Message(err error) string
}

// Navigator changes the active view.
type Navigator interface {
	Navigate(path string)
}

// Dependencies collects the collaborators required by a LoginForm.
type Dependencies struct {
	Provider   AuthProvider
	Translator ErrorTranslator
	Navigator  Navigator
}

// LoginForm owns the credentials typed by the user and drives the sign-in.
type LoginForm struct {
	provider   AuthProvider
	translator ErrorTranslator
	navigator  Navigator

	mu       sync.Mutex
	state    Credentials
	errorMsg string

	inFlight atomic.Bool
}

// New constructs an empty LoginForm.
func New(deps Dependencies) *LoginForm {
	if deps.Provider == nil {
		panic("form: auth provider is required")
	}
	if deps.Navigator == nil {
		panic("form: navigator is required")
	}
	translator := deps.Translator
	if translator == nil {
		translator = i18n.NewTranslator(nil, i18n.DefaultLanguage)
	}
	return &LoginForm{
		provider:   deps.Provider,
		translator: translator,
		navigator:  deps.Navigator,
	}
}

// Dispatch applies action to the form state.
func (f *LoginForm) Dispatch(action Action) {
	f.mu.Lock()
	f.state = Reduce(f.state, action)
	f.mu.Unlock()
}

// HandleInput routes an input change for the named field.
func (f *LoginForm) HandleInput(field, value string) {
	action := ActionFor(field, value)
	if action == nil {
		return
	}
	f.Dispatch(action)
}

// State returns a copy of the current credentials.
func (f *LoginForm) State() Credentials {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// ErrorMessage returns the message computed for the last failed submission.
func (f *LoginForm) ErrorMessage() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errorMsg
}

// Submit signs in with the credentials captured at call time. On success the
// form is cleared and the navigator is sent to RootPath. On failure the fields
// are kept and ErrorMessage is populated.
func (f *LoginForm) Submit(ctx context.Context) (*identity.Session, error) {
	if !f.inFlight.CompareAndSwap(false, true) {
		return nil, ErrSubmitInProgress
	}
	defer f.inFlight.Store(false)

	creds := f.State()

	sess, err := f.provider.SignIn(ctx, creds.Email, creds.Password)
	if err == nil && sess == nil {
		err = identity.NewError(identity.CodeUnknown, errors.New("provider returned no session"))
	}
	if err != nil {
		msg := f.translator.Message(err)
		f.mu.Lock()
		f.errorMsg = msg
		f.mu.Unlock()
		return nil, fmt.Errorf("sign in: %w", err)
	}

	f.mu.Lock()
	f.errorMsg = ""
	f.mu.Unlock()
	f.Dispatch(Clear{})
	f.navigator.Navigate(RootPath)
	return sess, nil
}
