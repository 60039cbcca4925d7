// Package validation 封装请求 DTO 的结构体校验和查询参数解码。
package validation

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"

	"github.com/go-playground/form"
	"github.com/go-playground/validator/v10"
	"github.com/oriys/surge/internal/domain"
)

var (
	validate = newValidator()
	decoder  = newDecoder()
)

func newValidator() *validator.Validate {
	v := validator.New()
	// 错误信息中使用 json 字段名
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return domain.ValidUsername(fl.Field().String())
	})
	v.RegisterValidation("target", func(fl validator.FieldLevel) bool {
		return domain.ValidDomain(fl.Field().String())
	})
	v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := domain.ParseDuration(fl.Field().String())
		return err == nil
	})
	return v
}

func newDecoder() *form.Decoder {
	d := form.NewDecoder()
	d.SetTagName("query")
	return d
}

// Struct 校验结构体，返回第一个失败字段对应的 domain.ErrValidation。
func Struct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	fe := verrs[0]
	return domain.ValidationError(fe.Field(), describe(fe))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email"
	case "oneof":
		return "must be one of " + fe.Param()
	case "min", "gte":
		return "must be at least " + fe.Param()
	case "max", "lte":
		return "must be at most " + fe.Param()
	case "username":
		return "must be 3-50 letters, digits or underscores"
	case "target":
		return "must be a hostname or http(s) url"
	case "duration":
		return "must be a positive duration such as 30s or 5m"
	default:
		return "failed on " + fe.Tag()
	}
}

// Query 将 URL 查询参数解码到 dst，字段使用 `query` 标签。
func Query(dst any, values url.Values) error {
	if err := decoder.Decode(dst, values); err != nil {
		return fmt.Errorf("%w: invalid query parameters", domain.ErrValidation)
	}
	return nil
}
