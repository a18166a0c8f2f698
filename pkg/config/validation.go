package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate 先做 struct tag 校验，再做 tag 表达不了的规则
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	if cfg.Repository.Source == "s3" && cfg.S3.Bucket == "" {
		return errors.New("s3.bucket: required when repository.source is s3")
	}
	if cfg.State.Backend == "postgres" && cfg.State.Database.Host == "" {
		return errors.New("state.database.host: required for the postgres backend")
	}
	if cfg.State.Backend == "sqlite" && cfg.State.Database.Path == "" {
		return errors.New("state.database.path: required for the sqlite backend")
	}
	return nil
}

// formatValidationError 只报告第一个失败的字段
func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
