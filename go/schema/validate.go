package schema

import (
	"fmt"
	"strings"

	playground "github.com/go-playground/validator/v10"
)

// geohashAlphabet is the base-32 character set of canonical geohashes.
// Note a, i, l, and o are intentionally absent.
const geohashAlphabet = "0123456789bcdefghjkmnpqrstuvwxyz"

type validate struct {
	v *playground.Validate
}

func newValidate() *validate {
	var v = playground.New(playground.WithRequiredStructEnabled())

	if err := v.RegisterValidation("geohash", isGeohash); err != nil {
		panic(err)
	}
	return &validate{v: v}
}

// check runs struct validation and flattens field errors into a single
// error naming every violated rule.
func (vd *validate) check(value interface{}) error {
	var err = vd.v.Struct(value)
	if err == nil {
		return nil
	}

	var fieldErrs, ok = err.(playground.ValidationErrors)
	if !ok {
		return fmt.Errorf("validating %T: %w", value, err)
	}

	var parts = make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		parts = append(parts, fmt.Sprintf("%s violates %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid %T: %s", value, strings.Join(parts, "; "))
}

func isGeohash(fl playground.FieldLevel) bool {
	var s = fl.Field().String()
	if s == "" {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune(geohashAlphabet, r) {
			return false
		}
	}
	return true
}
