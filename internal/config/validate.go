package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"

	"github.com/Thinh-nguyen-03/gatekeep/internal/access"
)

// ConfigurationError reports a missing, malformed or out-of-range setting.
// It is fatal at startup.
type ConfigurationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("configuration error")
	if e.Field != "" {
		b.WriteString(" in ")
		b.WriteString(e.Field)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

var (
	validate *validator.Validate
	trans    ut.Translator
)

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		if key := f.Tag.Get("key"); key != "" {
			return key
		}
		return f.Name
	})

	locale := en.New()
	trans, _ = ut.New(locale, locale).GetTranslator("en")
	if err := en_translations.RegisterDefaultTranslations(validate, trans); err != nil {
		panic(fmt.Sprintf("registering validator translations: %v", err))
	}
}

// Validate checks struct constraints and the cross-field rules that tags
// cannot express. The first problem found is returned.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ConfigurationError{Field: fe.Field(), Message: fe.Translate(trans)}
		}
		return &ConfigurationError{Message: "validating config", Err: err}
	}

	if err := c.RouteRates.Validate(); err != nil {
		return &ConfigurationError{Field: "soft_req_per_sec/hard_req_per_sec", Err: err}
	}
	if err := c.GlobalRates.Validate(); err != nil {
		return &ConfigurationError{Field: "global_soft_req_per_sec/global_hard_req_per_sec", Err: err}
	}
	for key, rates := range c.Overrides {
		if err := rates.Validate(); err != nil {
			return &ConfigurationError{Field: "req_per_second_override." + key, Err: err}
		}
	}

	if _, err := access.New(c.Access); err != nil {
		return &ConfigurationError{Field: "ip_black_list/ip_white_list", Err: err}
	}

	if c.CORS.MaxAgeSeconds < 0 {
		return &ConfigurationError{Field: "cors.max_age_seconds", Message: "must not be negative"}
	}

	if c.TLS.Enable && (c.TLS.PrivateKeyPath == "") != (c.TLS.CertPath == "") {
		return &ConfigurationError{
			Field:   "tls",
			Message: "private_key_path and x509_cert_path must be set together",
		}
	}
	return nil
}
