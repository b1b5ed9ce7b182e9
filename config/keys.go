package config

import (
	"os"

	"github.com/pkg/errors"

	"github.com/freehandle/ledger/crypto"
)

// ReadKey reads the PEM private key of the node.
func ReadKey(path string) (crypto.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return crypto.ZeroPrivateKey, errors.Wrap(err, "could not read key file")
	}
	key, err := crypto.ParsePEMPrivateKey(data)
	if err != nil {
		return crypto.ZeroPrivateKey, errors.Wrapf(err, "could not parse key file %s", path)
	}
	return key, nil
}

// WriteKey stores key as PEM, refusing to overwrite an existing file.
func WriteKey(path string, key crypto.PrivateKey) error {
	data, err := crypto.EncodePEMPrivateKey(key)
	if err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return errors.Wrap(err, "could not create key file")
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return errors.Wrap(err, "could not write key file")
	}
	return file.Close()
}
