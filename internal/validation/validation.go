// Package validation содержит функции валидации входных данных.
package validation

import "unicode"

// IsValidLogin проверяет логин учётной записи: 3-16 символов,
// только латинские буквы и цифры, как того требует игровой сервер.
func IsValidLogin(login string) bool {
	if len(login) < 3 || len(login) > 16 {
		return false
	}

	for _, ch := range login {
		if ch > unicode.MaxASCII || (!unicode.IsLetter(ch) && !unicode.IsDigit(ch)) {
			return false
		}
	}

	return true
}

// IsValidSessionID проверяет идентификатор платёжной сессии: непустой,
// разумной длины, из печатных ASCII-символов без пробелов.
func IsValidSessionID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}

	for _, ch := range id {
		if ch <= ' ' || ch > unicode.MaxASCII {
			return false
		}
	}

	return true
}
