// Package calendar содержит детерминированное преобразование календарной даты
// в unix-время. Используется пролептический григорианский календарь; результат
// всегда соответствует полуночи UTC.
package calendar

import (
	"errors"
	"fmt"

	"github.com/foomin/smarthotel-system/internal/model"
)

// ErrInvalidDate возвращается для даты вне допустимого диапазона.
var ErrInvalidDate = errors.New("invalid calendar date")

const (
	// epochYear — начало unix-эпохи; более ранние даты сервису не нужны.
	epochYear = 1970
	// maxYear ограничивает диапазон сверху; дальние даты сервису не нужны.
	maxYear = 9999
)

var daysBeforeMonth = [12]int64{0, 31, 59, 90, 120, 151, 181, 212, 243, 273, 304, 334}

// IsLeapYear сообщает, является ли год високосным по григорианскому правилу:
// делится на 4, но не на 100, если только не делится на 400.
func IsLeapYear(year int64) bool {
	if year%400 == 0 {
		return true
	}
	if year%100 == 0 {
		return false
	}
	return year%4 == 0
}

// DaysInMonth возвращает число дней в месяце указанного года.
func DaysInMonth(year, month int64) int64 {
	switch month {
	case 1, 3, 5, 7, 8, 10, 12:
		return 31
	case 4, 6, 9, 11:
		return 30
	case 2:
		if IsLeapYear(year) {
			return 29
		}
		return 28
	default:
		return 0
	}
}

// leapDaysBefore возвращает число високосных лет в диапазоне [1, year).
func leapDaysBefore(year int64) int64 {
	y := year - 1
	return y/4 - y/100 + y/400
}

// DateToUnix преобразует дату (год, месяц, день) в unix-время полуночи UTC.
// Дата проверяется на корректность с учётом високосных лет; допустимы годы
// [1970, 9999].
func DateToUnix(year, month, day int64) (int64, error) {
	if year < epochYear || year > maxYear {
		return 0, fmt.Errorf("%w: year %d outside [%d, %d]", ErrInvalidDate, year, epochYear, maxYear)
	}
	if month < 1 || month > 12 {
		return 0, fmt.Errorf("%w: month %d", ErrInvalidDate, month)
	}
	if day < 1 || day > DaysInMonth(year, month) {
		return 0, fmt.Errorf("%w: day %d of month %d in year %d", ErrInvalidDate, day, month, year)
	}

	// Полные годы от начала эпохи плюс накопившиеся високосные дни.
	days := (year-epochYear)*365 + leapDaysBefore(year) - leapDaysBefore(epochYear)

	days += daysBeforeMonth[month-1]
	if month > 2 && IsLeapYear(year) {
		days++
	}
	days += day - 1

	return days * model.SecondsPerDay, nil
}
