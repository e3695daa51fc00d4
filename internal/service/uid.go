package service

import (
	"encoding/base64"
	"errors"

	"github.com/google/uuid"
)

var errInvalidUserRef = errors.New("invalid user reference")

// EncodeUserRef codifica el id del usuario para usarlo en una URL.
// Es solo una codificacion reversible, no oculta el id.
func EncodeUserRef(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

// DecodeUserRef revierte EncodeUserRef y exige que el resultado sea un UUID
// en forma canonica, de modo que cada usuario tenga una sola referencia.
func DecodeUserRef(ref string) (string, error) {
	if ref == "" {
		return "", errInvalidUserRef
	}
	raw, err := base64.RawURLEncoding.DecodeString(ref)
	if err != nil {
		return "", errInvalidUserRef
	}
	id, err := uuid.Parse(string(raw))
	// Solo la forma canonica: urn:uuid:, {...} o sin guiones no valen.
	if err != nil || id.String() != string(raw) {
		return "", errInvalidUserRef
	}
	return id.String(), nil
}
