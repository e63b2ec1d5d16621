// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"fmt"

	"github.com/foomin/smarthotel-system/internal/model"
)

// ErrInvalidPasscode возвращается, если код замка имеет неверную форму.
var ErrInvalidPasscode = errors.New("invalid passcode")

// ParsePasscode преобразует последовательность цифр в код замка.
// Код обязан состоять ровно из шести цифр 0–9.
func ParsePasscode(digits []int) (model.Passcode, error) {
	var p model.Passcode

	if len(digits) != model.PasscodeLen {
		return p, fmt.Errorf("%w: expected %d digits, got %d", ErrInvalidPasscode, model.PasscodeLen, len(digits))
	}

	for i, d := range digits {
		if d < 0 || d > 9 {
			return p, fmt.Errorf("%w: element %d out of range", ErrInvalidPasscode, i)
		}
		p[i] = byte(d)
	}

	return p, nil
}

// IsValidOccupantName проверяет имя гостя в бронировании.
func IsValidOccupantName(name string) bool {
	return name != "" && len(name) <= 100
}
