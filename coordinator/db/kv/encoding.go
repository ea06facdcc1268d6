package kv

import (
	"github.com/pkg/errors"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func encode(msg interface{}) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("cannot encode nil document")
	}
	enc, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "could not marshal document")
	}
	return enc, nil
}

func decode(enc []byte, dst interface{}) error {
	if err := json.Unmarshal(enc, dst); err != nil {
		return errors.Wrap(err, "could not unmarshal document")
	}
	return nil
}
