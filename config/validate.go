// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks cfg against the constraints on its settings.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	if id := cfg.Server.ClusterID; id != "" && uuid.MustParse(id) == uuid.Nil {
		return errors.New("Config.Server.ClusterID: the nil UUID is not a valid cluster ID")
	}
	return nil
}

// formatValidationError reports the first validation failure in err.
func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
