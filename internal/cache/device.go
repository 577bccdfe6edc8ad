package cache

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"collabtext/journalsync/internal/syncerr"
)

const deviceFile = "device-id"

// DeviceID returns the installation's identity token, creating it on first use.
// It lives in its own file next to the namespaces so that clearing a namespace
// keeps it.
func DeviceID(dir string) (string, error) {
	path := filepath.Join(dir, deviceFile)
	if id, err := readDeviceID(path); err == nil {
		return id, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", syncerr.New(syncerr.KindPersistence, "create cache dir", err)
	}

	// The token is written in full to a temp file and linked into place, so a
	// concurrent reader sees either no file or a complete one.
	id := uuid.NewString()
	tmp, err := os.CreateTemp(dir, deviceFile+".*")
	if err != nil {
		return "", syncerr.New(syncerr.KindPersistence, "create device id", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(id + "\n"); err != nil {
		tmp.Close()
		return "", syncerr.New(syncerr.KindPersistence, "write device id", err)
	}
	if err := tmp.Close(); err != nil {
		return "", syncerr.New(syncerr.KindPersistence, "write device id", err)
	}

	err = os.Link(tmp.Name(), path)
	if errors.Is(err, os.ErrExist) {
		// Another process won the race; use its token.
		existing, rerr := readDeviceID(path)
		if rerr != nil {
			return "", syncerr.New(syncerr.KindPersistence, "read device id", rerr)
		}
		return existing, nil
	}
	if err != nil {
		return "", syncerr.New(syncerr.KindPersistence, "create device id", err)
	}
	return id, nil
}

func readDeviceID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", errors.New("empty device id")
	}
	return id, nil
}
