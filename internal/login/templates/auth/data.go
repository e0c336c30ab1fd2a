package auth

import "finitefield.org/hanko-login/internal/login/templates"

// LoginPageData encapsulates rendering state for the login screen.
type LoginPageData struct {
	templates.Base

	Email        string
	Password     string
	Remember     bool
	Notice       string
	Error        string
	LoginPath    string
	RegisterPath string
}
