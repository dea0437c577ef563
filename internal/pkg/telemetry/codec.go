package telemetry

import (
	"bytes"
	"crypto/aes"
	"encoding/base64"
	"fmt"
)

// DecodeError reports a telemetry payload that could not be decoded.
// It never escapes the MQTT receive path.
type DecodeError struct {
	Stage string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "decoding telemetry (" + e.Stage + ")"
	}
	return "decoding telemetry (" + e.Stage + "): " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErr(stage string, format string, args ...interface{}) error {
	return &DecodeError{Stage: stage, Err: fmt.Errorf(format, args...)}
}

// The message key is bytes 8..24 of the MQTT session password
func keyFromPassword(password string) ([]byte, error) {
	if len(password) < 24 {
		return nil, decodeErr("key", "mqtt password too short for key: %d bytes", len(password))
	}

	return []byte(password[8:24]), nil
}

// Decrypt decodes a base64 AES-128-ECB payload using the key derived from
// the MQTT session password, and strips the PKCS#7 padding.  ECB with no
// IV is what the cloud sends; it is not a choice made here.
func Decrypt(b64 string, mqttPassword string) ([]byte, error) {
	key, err := keyFromPassword(mqttPassword)
	if err != nil {
		return nil, err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, &DecodeError{Stage: "base64", Err: err}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &DecodeError{Stage: "key", Err: err}
	}

	bs := block.BlockSize()
	if len(ciphertext) == 0 || len(ciphertext)%bs != 0 {
		return nil, decodeErr("cipher", "ciphertext length %d is not a multiple of %d", len(ciphertext), bs)
	}

	plain := make([]byte, len(ciphertext))
	for i := 0; i < len(ciphertext); i += bs {
		block.Decrypt(plain[i:i+bs], ciphertext[i:i+bs])
	}

	return unpad(plain, bs)
}

// Encrypt is the inverse of Decrypt
func Encrypt(plain []byte, mqttPassword string) (string, error) {
	key, err := keyFromPassword(mqttPassword)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", &DecodeError{Stage: "key", Err: err}
	}

	bs := block.BlockSize()
	padded := pad(plain, bs)
	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += bs {
		block.Encrypt(out[i:i+bs], padded[i:i+bs])
	}

	return base64.StdEncoding.EncodeToString(out), nil
}

func pad(b []byte, bs int) []byte {
	n := bs - len(b)%bs
	return append(append([]byte{}, b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, bs int) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > bs || n > len(b) {
		return nil, decodeErr("padding", "bad padding length %d", n)
	}

	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, decodeErr("padding", "inconsistent padding bytes")
		}
	}

	return b[:len(b)-n], nil
}
