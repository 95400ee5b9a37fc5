package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
)

// Error reports a malformed policy detected at load time.
type Error struct {
	Field string
	Msg   string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return "config: " + e.Msg
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("toml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the policy before any component is constructed.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &Error{Field: trimRoot(fe.Namespace()), Msg: describe(fe)}
		}
		return &Error{Msg: err.Error()}
	}

	intervals := c.KillSwitch.Recovery.EscalationIntervals
	for i := 1; i < len(intervals); i++ {
		if intervals[i] <= intervals[i-1] {
			return &Error{
				Field: "kill_switch.recovery.escalation_intervals",
				Msg:   fmt.Sprintf("must be strictly increasing, got %v", intervals),
			}
		}
	}
	if c.Telegram.Enabled && (c.Telegram.BotToken == "" || c.Telegram.ChatID == "") {
		return &Error{Field: "telegram", Msg: "enabled requires bot_token and chat_id"}
	}
	if c.Portfolio.Enabled && !common.IsHexAddress(c.Portfolio.WalletAddress) {
		return &Error{Field: "portfolio.wallet_address", Msg: fmt.Sprintf("not a hex address: %q", c.Portfolio.WalletAddress)}
	}
	return nil
}

func trimRoot(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fmt.Sprint(fe.Value()))
	case "required", "required_if":
		return "is required"
	case "gt":
		return fmt.Sprintf("must be > %s, got %v", fe.Param(), fe.Value())
	case "gte":
		return fmt.Sprintf("must be >= %s, got %v", fe.Param(), fe.Value())
	case "lte":
		return fmt.Sprintf("must be <= %s, got %v", fe.Param(), fe.Value())
	case "min":
		return fmt.Sprintf("must have at least %s entries", fe.Param())
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}
