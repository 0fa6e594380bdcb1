package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/99designs/keyring"
	"golang.org/x/term"

	"github.com/wallera-computer/tzapp/crypto"
)

const (
	keyringService = "tzapp"
	mnemonicKey    = "provisioning-mnemonic"
	passphraseEnv  = "TZAPP_KEYRING_PASSWORD"
)

var errNoMnemonic = errors.New("no provisioning mnemonic found, run with -new-mnemonic")

func defaultKeyringDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tzapp"
	}

	return filepath.Join(home, ".tzapp")
}

// passwordPrompt reads the keyring password from the environment, or from the terminal
// without echo.
func passwordPrompt(prompt string) (string, error) {
	if p, ok := os.LookupEnv(passphraseEnv); ok {
		return p, nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal, set %s", passphraseEnv)
	}

	fmt.Fprintf(os.Stderr, "%s: ", prompt)
	p, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("cannot read password, %w", err)
	}

	return string(p), nil
}

func openKeyring(dir string, prompt keyring.PromptFunc) (keyring.Keyring, error) {
	return keyring.Open(keyring.Config{
		ServiceName:      keyringService,
		AllowedBackends:  []keyring.BackendType{keyring.FileBackend},
		FileDir:          dir,
		FilePasswordFunc: prompt,
	})
}

type mnemonicStore struct {
	kr keyring.Keyring
}

func (m mnemonicStore) load() ([]string, error) {
	item, err := m.kr.Get(mnemonicKey)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, errNoMnemonic
	}

	if err != nil {
		return nil, fmt.Errorf("cannot read mnemonic, %w", err)
	}

	return strings.Fields(string(item.Data)), nil
}

func (m mnemonicStore) create() ([]string, error) {
	words, err := crypto.NewMnemonic()
	if err != nil {
		return nil, err
	}

	err = m.kr.Set(keyring.Item{
		Key:         mnemonicKey,
		Data:        []byte(mnemonicString(words)),
		Label:       "tzapp provisioning mnemonic",
		Description: "BIP39 mnemonic the secure world keys are derived from",
	})
	if err != nil {
		return nil, fmt.Errorf("cannot store mnemonic, %w", err)
	}

	return words, nil
}

func mnemonicString(words []string) string {
	return strings.Join(words, " ")
}

// provisioningSeed returns the seed of the mnemonic kept in the keyring at dir, creating the
// mnemonic first when fresh is true.
func provisioningSeed(dir string, fresh bool) ([]byte, error) {
	kr, err := openKeyring(dir, passwordPrompt)
	if err != nil {
		return nil, fmt.Errorf("cannot open keyring, %w", err)
	}

	return seedFrom(mnemonicStore{kr: kr}, fresh)
}

func seedFrom(m mnemonicStore, fresh bool) ([]byte, error) {
	var words []string
	var err error

	if fresh {
		words, err = m.create()
	} else {
		words, err = m.load()
	}

	if err != nil {
		return nil, err
	}

	return crypto.SeedFromMnemonic(words, "")
}
