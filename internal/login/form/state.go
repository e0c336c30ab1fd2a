package form

// Field names used by the login inputs.
const (
	FieldEmail    = "email"
	FieldPassword = "password"
)

// Credentials holds the values typed into the login form.
type Credentials struct {
	Email    string
	Password string
}

// Action is a state transition understood by Reduce. The set is closed:
// SetEmail, SetPassword and Clear.
type Action interface {
	isAction()
}

// SetEmail replaces the email field when the value is non-empty.
type SetEmail string

// SetPassword replaces the password field when the value is non-empty.
type SetPassword string

// Clear resets both fields.
type Clear struct{}

func (SetEmail) isAction()    {}
func (SetPassword) isAction() {}
func (Clear) isAction()       {}

// Reduce returns the state that results from applying action to state.
// Empty values never overwrite a field; only Clear empties it.
func Reduce(state Credentials, action Action) Credentials {
	switch a := action.(type) {
	case Clear:
		return Credentials{}
	case SetEmail:
		if a == "" {
			return state
		}
		state.Email = string(a)
		return state
	case SetPassword:
		if a == "" {
			return state
		}
		state.Password = string(a)
		return state
	default:
		return state
	}
}

// ActionFor maps an input change event onto an action. Unknown fields yield nil.
func ActionFor(field, value string) Action {
	switch field {
	case FieldEmail:
		return SetEmail(value)
	case FieldPassword:
		return SetPassword(value)
	default:
		return nil
	}
}
