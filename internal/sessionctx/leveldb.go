package sessionctx

import (
	"bytes"
	"path/filepath"
	"strings"
	"unicode/utf16"

	"github.com/rs/zerolog/log"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/steel-dev/steel-browser-go/internal/security"
	"github.com/steel-dev/steel-browser-go/internal/types"
)

// diskStorage holds storage recovered from the profile's on-disk engines.
type diskStorage struct {
	local   types.StorageByOrigin
	session types.StorageByOrigin
}

// readDiskStorage reads the browser's persisted Local Storage and Session
// Storage leveldb files under the user-data directory. The files are
// advisory: any corruption or unknown record shape causes that portion to be
// skipped, never an error.
func readDiskStorage(userDataDir string) diskStorage {
	out := diskStorage{
		local:   make(types.StorageByOrigin),
		session: make(types.StorageByOrigin),
	}

	localPath := filepath.Join(userDataDir, "Default", "Local Storage", "leveldb")
	if entries := readLocalStorageDB(localPath); len(entries) > 0 {
		out.local = entries
	}

	sessionPath := filepath.Join(userDataDir, "Default", "Session Storage")
	if entries := readSessionStorageDB(sessionPath); len(entries) > 0 {
		out.session = entries
	}

	return out
}

// openAdvisory opens a leveldb directory read-only, tolerating absence.
func openAdvisory(path string) *leveldb.DB {
	db, err := leveldb.OpenFile(path, &opt.Options{
		ReadOnly:       true,
		ErrorIfMissing: true,
	})
	if err != nil {
		log.Debug().Err(err).Str("path", path).Msg("On-disk storage unavailable, skipping")
		return nil
	}
	return db
}

// readLocalStorageDB parses Chrome's Local Storage leveldb layout:
// key   = '_' + origin + '\x00' + markerByte + storageKey
// value = markerByte + storageValue
// where markerByte 0x00 means UTF-16LE and 0x01 means Latin-1/UTF-8.
func readLocalStorageDB(path string) types.StorageByOrigin {
	db := openAdvisory(path)
	if db == nil {
		return nil
	}
	defer db.Close()

	out := make(types.StorageByOrigin)
	iter := db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		key := iter.Key()
		if len(key) < 3 || key[0] != '_' {
			continue
		}
		sep := bytes.IndexByte(key, 0x00)
		if sep <= 1 || sep+1 >= len(key) {
			continue
		}
		origin := string(key[1:sep])
		if !security.IsWebURL(origin) {
			continue
		}
		storageKey, ok := decodePrefixed(key[sep+1:])
		if !ok {
			continue
		}
		storageValue, ok := decodePrefixed(iter.Value())
		if !ok {
			continue
		}
		if out[origin] == nil {
			out[origin] = make(map[string]string)
		}
		out[origin][storageKey] = storageValue
	}
	if err := iter.Error(); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Local Storage iteration failed, partial read kept")
	}
	return out
}

// readSessionStorageDB parses Chrome's Session Storage leveldb layout:
// namespace records map a namespace+origin to a numeric map id, and
// "map-<id>-<key>" records hold the values.
func readSessionStorageDB(path string) types.StorageByOrigin {
	db := openAdvisory(path)
	if db == nil {
		return nil
	}
	defer db.Close()

	// Pass 1: map id -> origin.
	idToOrigin := make(map[string]string)
	iter := db.NewIterator(nil, nil)
	for iter.Next() {
		key := string(iter.Key())
		if !strings.HasPrefix(key, "namespace-") {
			continue
		}
		// namespace-<guid>-<origin>
		rest := key[len("namespace-"):]
		dash := strings.IndexByte(rest, '-')
		if dash < 0 || dash+1 >= len(rest) {
			continue
		}
		origin := rest[dash+1:]
		if !security.IsWebURL(origin) {
			continue
		}
		idToOrigin[string(iter.Value())] = strings.TrimSuffix(origin, "/")
	}
	iter.Release()

	out := make(types.StorageByOrigin)
	iter = db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		key := string(iter.Key())
		if !strings.HasPrefix(key, "map-") {
			continue
		}
		rest := key[len("map-"):]
		dash := strings.IndexByte(rest, '-')
		if dash < 0 || dash+1 > len(rest) {
			continue
		}
		origin, ok := idToOrigin[rest[:dash]]
		if !ok {
			continue
		}
		storageKey, ok := decodePrefixed([]byte(rest[dash+1:]))
		if !ok {
			// Session storage keys are stored raw in some versions.
			storageKey = rest[dash+1:]
		}
		storageValue, ok := decodePrefixed(iter.Value())
		if !ok {
			continue
		}
		if out[origin] == nil {
			out[origin] = make(map[string]string)
		}
		out[origin][storageKey] = storageValue
	}
	if err := iter.Error(); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Session Storage iteration failed, partial read kept")
	}
	return out
}

// decodePrefixed decodes a storage engine string: a marker byte (0x00 for
// UTF-16LE, 0x01 for Latin-1/UTF-8) followed by the payload.
func decodePrefixed(raw []byte) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	payload := raw[1:]
	switch raw[0] {
	case 0x00:
		if len(payload)%2 != 0 {
			return "", false
		}
		units := make([]uint16, len(payload)/2)
		for i := range units {
			units[i] = uint16(payload[2*i]) | uint16(payload[2*i+1])<<8
		}
		return string(utf16.Decode(units)), true
	case 0x01:
		return string(payload), true
	default:
		return "", false
	}
}
