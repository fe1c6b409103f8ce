// Package sessionctx maps between the portable SessionContext and the
// browser's in-memory and on-disk storage surfaces: cookies over the control
// protocol, local/session storage and IndexedDB via in-page scripts, plus an
// advisory read of the profile's storage engine files.
package sessionctx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
	"github.com/ysmood/gson"
	"golang.org/x/sync/errgroup"

	"github.com/steel-dev/steel-browser-go/internal/assets"
	"github.com/steel-dev/steel-browser-go/internal/security"
	"github.com/steel-dev/steel-browser-go/internal/types"
)

// pageEvalTimeout bounds every per-page script evaluation.
const pageEvalTimeout = 15 * time.Second

// snapshotConcurrency limits parallel per-page captures.
const snapshotConcurrency = 4

// Codec performs SessionContext restore and snapshot for one session at a
// time. A Codec is created per session; RestoreObserver state does not carry
// across sessions.
type Codec struct {
	mu     sync.Mutex
	seeded map[string]bool // Origins whose storage has been seeded this session
}

// New creates a codec.
func New() *Codec {
	return &Codec{seeded: make(map[string]bool)}
}

// Restore injects the given context into a freshly launched browser. Cookies
// are set immediately over the control protocol. Storage and IndexedDB are
// origin-scoped, so a navigation observer on the primary page seeds them the
// first time a frame of the matching origin navigates; the observer survives
// for the session's lifetime (its goroutine exits with the page).
//
// Restore must complete before the session announces Live; partial failures
// are logged and reported as a ContextError, never fatal to the transition.
func (c *Codec) Restore(ctx context.Context, browser *rod.Browser, page *rod.Page, sc *types.SessionContext) error {
	if sc.Empty() {
		return nil
	}

	var firstErr error
	if len(sc.Cookies) > 0 {
		if err := browser.SetCookies(cookiesToParams(sc.Cookies)); err != nil {
			firstErr = &types.ContextError{Op: "restore", Err: fmt.Errorf("setting cookies: %w", err)}
			log.Warn().Err(err).Int("count", len(sc.Cookies)).Msg("Cookie restore failed")
		} else {
			log.Debug().Int("count", len(sc.Cookies)).Msg("Cookies restored")
		}
	}

	pending := pendingOrigins(sc)
	if len(pending) > 0 {
		c.installRestoreObserver(page, sc, pending)
	}

	return firstErr
}

// pendingOrigins collects the origins that have storage waiting to be seeded.
func pendingOrigins(sc *types.SessionContext) map[string]bool {
	pending := make(map[string]bool)
	for origin := range sc.LocalStorage {
		pending[origin] = true
	}
	for origin := range sc.SessionStorage {
		pending[origin] = true
	}
	for origin := range sc.IndexedDB {
		pending[origin] = true
	}
	return pending
}

// installRestoreObserver watches frame navigations on the primary page and
// seeds storage for an origin the first time a frame lands on it.
func (c *Codec) installRestoreObserver(page *rod.Page, sc *types.SessionContext, pending map[string]bool) {
	go page.EachEvent(func(e *proto.PageFrameNavigated) {
		origin := originOf(e.Frame.URL)
		if origin == "" || !pending[origin] {
			return
		}

		c.mu.Lock()
		if c.seeded[origin] {
			c.mu.Unlock()
			return
		}
		c.seeded[origin] = true
		c.mu.Unlock()

		if err := c.seedOrigin(page, sc, origin); err != nil {
			log.Warn().Err(err).Str("origin", origin).Msg("Storage restore failed for origin")
			// Allow a retry on the next navigation to this origin.
			c.mu.Lock()
			delete(c.seeded, origin)
			c.mu.Unlock()
		}
	})()
}

// seedOrigin writes local/session storage and imports IndexedDB databases
// into a page currently on the given origin.
func (c *Codec) seedOrigin(page *rod.Page, sc *types.SessionContext, origin string) error {
	p := page.Timeout(pageEvalTimeout)

	local := sc.LocalStorage[origin]
	session := sc.SessionStorage[origin]
	if len(local) > 0 || len(session) > 0 {
		if _, err := p.Eval(assets.MustScript(assets.StorageRestore), local, session); err != nil {
			return fmt.Errorf("seeding web storage: %w", err)
		}
	}

	if dbs := sc.IndexedDB[origin]; len(dbs) > 0 {
		res, err := p.Evaluate(rod.Eval(assets.MustScript(assets.IndexedDBImport), dbs).ByPromise())
		if err != nil {
			return fmt.Errorf("importing IndexedDB: %w", err)
		}
		var report struct {
			Written int `json:"written"`
			Errors  []struct {
				Database string `json:"database"`
				Error    string `json:"error"`
			} `json:"errors"`
		}
		if err := decodeEval(res.Value, &report); err == nil {
			for _, dbErr := range report.Errors {
				log.Warn().
					Str("origin", origin).
					Str("database", dbErr.Database).
					Str("error", dbErr.Error).
					Msg("IndexedDB import skipped a database")
			}
			log.Debug().
				Str("origin", origin).
				Int("records", report.Written).
				Msg("IndexedDB restored")
		}
	}

	log.Debug().Str("origin", origin).Msg("Session storage seeded")
	return nil
}

// Snapshot captures the browser's visible session state: cookies over the
// control protocol, web storage and IndexedDB per HTTP(S) page via in-page
// scripts, augmented with the profile's on-disk storage engines when the
// user-data directory is known. Live-page values win over disk values for
// the same {origin, key}.
func (c *Codec) Snapshot(ctx context.Context, browser *rod.Browser, userDataDir string) (*types.SessionContext, error) {
	out := &types.SessionContext{
		LocalStorage:   make(types.StorageByOrigin),
		SessionStorage: make(types.StorageByOrigin),
		IndexedDB:      make(map[string][]types.IndexedDBDatabase),
	}

	var firstErr error

	// Disk first: live-page values merged afterwards take precedence.
	if userDataDir != "" {
		disk := readDiskStorage(userDataDir)
		out.LocalStorage.Merge(disk.local)
		out.SessionStorage.Merge(disk.session)
	}

	pages, err := browser.Pages()
	if err != nil {
		firstErr = &types.ContextError{Op: "snapshot", Err: fmt.Errorf("enumerating pages: %w", err)}
		log.Warn().Err(err).Msg("Snapshot could not enumerate pages")
		pages = nil
	}

	type pageCapture struct {
		origin  string
		local   map[string]string
		session map[string]string
		idb     []types.IndexedDBDatabase
	}

	var mu sync.Mutex
	var captures []pageCapture

	eg := new(errgroup.Group)
	eg.SetLimit(snapshotConcurrency)
	for _, page := range pages {
		pg := page
		eg.Go(func() error {
			info, err := pg.Info()
			if err != nil || !security.IsWebURL(info.URL) {
				return nil
			}
			pcap, err := c.capturePage(pg)
			if err != nil {
				log.Warn().Err(err).Str("url", security.RedactURL(info.URL)).Msg("Page snapshot failed, skipping")
				return nil
			}
			if pcap.origin == "" {
				return nil
			}
			mu.Lock()
			captures = append(captures, pageCapture{
				origin:  pcap.origin,
				local:   pcap.local,
				session: pcap.session,
				idb:     pcap.idb,
			})
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	// Merge page captures; later captures for the same origin win per key.
	for _, pcap := range captures {
		out.LocalStorage.Merge(types.StorageByOrigin{pcap.origin: pcap.local})
		out.SessionStorage.Merge(types.StorageByOrigin{pcap.origin: pcap.session})
		if len(pcap.idb) > 0 {
			out.IndexedDB[pcap.origin] = pcap.idb
		}
	}

	cookies, err := browser.GetCookies()
	if err != nil {
		if firstErr == nil {
			firstErr = &types.ContextError{Op: "snapshot", Err: fmt.Errorf("reading cookies: %w", err)}
		}
		log.Warn().Err(err).Msg("Cookie snapshot failed")
	} else {
		out.Cookies = cookiesFromProto(cookies)
	}

	pruneEmpty(out)
	return out, firstErr
}

type capture struct {
	origin  string
	local   map[string]string
	session map[string]string
	idb     []types.IndexedDBDatabase
}

// capturePage extracts storage and IndexedDB from one page.
func (c *Codec) capturePage(page *rod.Page) (capture, error) {
	p := page.Timeout(pageEvalTimeout)

	res, err := p.Eval(assets.MustScript(assets.StorageSnapshot))
	if err != nil {
		return capture{}, fmt.Errorf("storage snapshot script: %w", err)
	}
	var snap struct {
		Origin         string            `json:"origin"`
		LocalStorage   map[string]string `json:"localStorage"`
		SessionStorage map[string]string `json:"sessionStorage"`
	}
	if err := decodeEval(res.Value, &snap); err != nil {
		return capture{}, fmt.Errorf("decoding storage snapshot: %w", err)
	}

	pcap := capture{
		origin:  snap.Origin,
		local:   snap.LocalStorage,
		session: snap.SessionStorage,
	}

	idbRes, err := p.Evaluate(rod.Eval(assets.MustScript(assets.IndexedDBExport)).ByPromise())
	if err != nil {
		// IndexedDB export is best-effort; web storage already captured.
		log.Warn().Err(err).Str("origin", snap.Origin).Msg("IndexedDB export failed, skipping")
		return pcap, nil
	}
	var exported []struct {
		types.IndexedDBDatabase
		Error string `json:"error,omitempty"`
	}
	if err := decodeEval(idbRes.Value, &exported); err != nil {
		log.Warn().Err(err).Str("origin", snap.Origin).Msg("IndexedDB export undecodable, skipping")
		return pcap, nil
	}
	for _, db := range exported {
		if db.Error != "" {
			log.Warn().
				Str("origin", snap.Origin).
				Str("database", db.Name).
				Str("error", db.Error).
				Msg("IndexedDB export skipped a database")
			continue
		}
		pcap.idb = append(pcap.idb, db.IndexedDBDatabase)
	}
	return pcap, nil
}

// decodeEval unmarshals a CDP eval result into target via JSON.
func decodeEval(v gson.JSON, target any) error {
	raw, err := json.Marshal(v.Val())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}

// originOf normalises a URL to its origin, or "" for non-web URLs.
func originOf(rawURL string) string {
	if !security.IsWebURL(rawURL) {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// pruneEmpty drops empty maps so an idle snapshot serialises compactly.
func pruneEmpty(sc *types.SessionContext) {
	for origin, kv := range sc.LocalStorage {
		if len(kv) == 0 {
			delete(sc.LocalStorage, origin)
		}
	}
	for origin, kv := range sc.SessionStorage {
		if len(kv) == 0 {
			delete(sc.SessionStorage, origin)
		}
	}
	if len(sc.LocalStorage) == 0 {
		sc.LocalStorage = nil
	}
	if len(sc.SessionStorage) == 0 {
		sc.SessionStorage = nil
	}
	if len(sc.IndexedDB) == 0 {
		sc.IndexedDB = nil
	}
}
