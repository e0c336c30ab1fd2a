package home

import "finitefield.org/hanko-login/internal/login/templates"

// PageData is the signed-in landing page.
type PageData struct {
	templates.Base

	DisplayName string
	Email       string
	LogoutPath  string
}

// Name prefers the display name over the email address.
func (d PageData) Name() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return d.Email
}
