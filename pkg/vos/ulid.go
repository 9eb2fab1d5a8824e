package vos

import (
	"crypto/rand"
	"errors"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrInvalidULID é retornado quando um ULID é inválido (zero value).
	ErrInvalidULID = errors.New("invalid ULID")
)

// ULID representa um identificador lexicograficamente ordenável, usado como
// id de execuções no histórico. É thread-safe e pode ser usado em ambientes
// concorrentes.
type ULID struct {
	Value ulid.ULID
}

// NewULID cria um novo ULID usando crypto/rand como fonte de entropia.
// Retorna erro se falhar ao gerar o ULID ou se a validação falhar.
func NewULID() (ULID, error) {
	id, err := ulid.New(ulid.Now(), rand.Reader)
	if err != nil {
		return ULID{}, err
	}

	vo := ULID{Value: id}
	if err := vo.Validate(); err != nil {
		return ULID{}, err
	}
	return vo, nil
}

// NewULIDFromString cria um ULID a partir de uma string.
// Retorna erro se a string não for um ULID válido.
func NewULIDFromString(value string) (ULID, error) {
	parsed, err := ulid.Parse(value)
	if err != nil {
		return ULID{}, err
	}

	vo := ULID{Value: parsed}
	if err := vo.Validate(); err != nil {
		return ULID{}, err
	}
	return vo, nil
}

// Validate verifica se o ULID é válido (não é zero value).
func (u ULID) Validate() error {
	if u.Value.Compare(ulid.ULID{}) == 0 {
		return ErrInvalidULID
	}
	return nil
}

// String retorna a representação em string do ULID.
func (u ULID) String() string {
	return u.Value.String()
}

// MarshalText serializa o ULID como sua forma canônica em string, o que
// também cobre encoding/json ao persistir o histórico.
func (u ULID) MarshalText() ([]byte, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	return []byte(u.Value.String()), nil
}

// UnmarshalText reconstrói o ULID a partir da forma em string.
func (u *ULID) UnmarshalText(data []byte) error {
	parsed, err := NewULIDFromString(string(data))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
