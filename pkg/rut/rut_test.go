package rut

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClean(t *testing.T) {
	assert.Equal(t, "12345678K", Clean(" 12.345.678-k "))
	assert.Equal(t, "", Clean(""))
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "12.345.678-5", Format("123456785"))
	assert.Equal(t, "1.234.567-4", Format("1234567-4"))
	assert.Equal(t, "765.432-1", Format("7654321"))
	assert.Equal(t, "5", Format("5"))
}

func TestCompact(t *testing.T) {
	assert.Equal(t, "12345678-5", Compact("12.345.678-5"))
}

func TestCheckDigit(t *testing.T) {
	tests := map[string]string{
		"12345678": "5",
		"11111111": "1",
		"76086428": "5",
		"10000013": "K",
		"1":        "9",
		"abc":      "",
		"":         "",
	}
	for body, want := range tests {
		assert.Equal(t, want, CheckDigit(body), body)
	}
}

func TestValid(t *testing.T) {
	assert.True(t, Valid("12.345.678-5"))
	assert.True(t, Valid("10.000.013-k"))
	assert.False(t, Valid("12.345.678-9"))
	assert.False(t, Valid("5"))
	assert.False(t, Valid("ab-c"))
}
