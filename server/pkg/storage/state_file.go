package storage

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
)

const (
	hardStateFile = "hardstate"
	snapshotFile  = "snapshot"
)

// writeStateFile replaces name atomically: tmp file, fsync, rename, fsync dir.
func writeStateFile(dir, name string, payload []byte) error {
	tmp := filepath.Join(dir, name+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(frame(payload)); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		return err
	}
	return syncDir(dir)
}

// readStateFile returns (nil, nil) when the file does not exist yet.
func readStateFile(dir, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	payload, _, err := readFrame(bytes.NewReader(data))
	if err == io.EOF {
		return nil, nil
	}
	return payload, err
}
