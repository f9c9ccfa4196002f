package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateUploadID(t *testing.T) {
	for _, id := range []string{"12345", "u-1", "abc_2"} {
		assert.NoError(t, ValidateUploadID(id), id)
	}
	for _, id := range []string{"", "../escaped", "a/b", `a\b`, "..", ".hidden", "a b", "1&x=2", "基金"} {
		err := ValidateUploadID(id)
		assert.True(t, errors.Is(err, ErrInvalidUploadID), id)
	}
}
