package attendance

import (
	"math"
	"reflect"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/mahudhurio/core"
)

var (
	// custom validation tags & texts
	finiteTag  = "finite"
	finiteText = "must be a finite number"
)

// InitValidators registers attendance-specific validators.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(finiteTag, finiteValidation)
	core.RegisterCustomTranslation(validate, translator, finiteTag, finiteText)
}

// finiteValidation rejects NaN and infinite floats; coordinates sneaking
// in as JSON strings like "1e999" parse to +Inf and must not reach storage.
func finiteValidation(fl validator.FieldLevel) bool {
	fld := fl.Field()
	switch fld.Kind() {
	case reflect.Float32, reflect.Float64:
		v := fld.Float()
		return !(math.IsNaN(v) || math.IsInf(v, 0))
	}
	return true
}
