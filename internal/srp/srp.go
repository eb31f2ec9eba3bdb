// Package srp реализует схему соли и верификатора, совместимую с протоколом
// входа игрового сервера. Порядок байтов и приведение к верхнему регистру
// зафиксированы внешним протоколом, менять их нельзя.
package srp

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"fmt"
	"math/big"
	"strings"
)

// SaltSize — фиксированная длина соли в байтах.
const SaltSize = 32

// VerifierSize — фиксированная длина сериализованного верификатора в байтах.
const VerifierSize = 32

var (
	// n — модуль схемы, общий с игровым сервером.
	n, _ = new(big.Int).SetString("894B645E89E1535BBDAD5B8B290650530801B18EBFBF5E8FAD16A0DE8C21BC7", 16)
	// g — генератор схемы.
	g = big.NewInt(7)
)

// NewSalt возвращает новую криптографически стойкую соль фиксированной длины.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// CalculateVerifier вычисляет верификатор пароля по протоколу игрового сервера:
// x = SHA1(salt || SHA1(UPPER(login) + ":" + UPPER(password))), прочитанный
// как little-endian число, затем v = g^x mod N, сериализованный little-endian
// в буфер фиксированной длины с дополнением нулями.
// Соль неверной длины — ошибка программиста, функция паникует.
func CalculateVerifier(username, password string, salt []byte) []byte {
	if len(salt) != SaltSize {
		panic(fmt.Sprintf("srp: salt must be %d bytes, got %d", SaltSize, len(salt)))
	}

	ident := strings.ToUpper(username) + ":" + strings.ToUpper(password)
	inner := sha1.Sum([]byte(ident))

	h := sha1.New()
	h.Write(salt)
	h.Write(inner[:])
	xBytes := h.Sum(nil)

	x := new(big.Int).SetBytes(reverse(xBytes))
	v := new(big.Int).Exp(g, x, n)

	return pad(reverse(v.Bytes()), VerifierSize)
}

// VerifyLogin пересчитывает верификатор по предъявленному паролю и сравнивает
// его с сохранённым за постоянное время. Несовпадение — штатный исход,
// а не ошибка; верификатор неверной длины — ошибка программиста.
func VerifyLogin(username, password string, salt, verifier []byte) bool {
	if len(verifier) != VerifierSize {
		panic(fmt.Sprintf("srp: verifier must be %d bytes, got %d", VerifierSize, len(verifier)))
	}
	computed := CalculateVerifier(username, password, salt)
	return subtle.ConstantTimeCompare(computed, verifier) == 1
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

func pad(b []byte, size int) []byte {
	if len(b) >= size {
		return b[:size]
	}
	out := make([]byte, size)
	copy(out, b)
	return out
}
