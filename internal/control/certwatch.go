/*
Copyright 2026 The ConnBroker authors.

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published
by the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package control

import (
	"crypto/tls"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

// CertWatcher loads a certificate/key pair from disk and reloads it
// whenever either file changes, so an operator can rotate the
// broker's certificate without restarting the process. It replaces
// the provider-agnostic controller-runtime cert watcher the original
// operator code used, since pulling that package in means pulling
// the rest of its Kubernetes client dependency tree for a binary that
// has no Kubernetes API server to talk to.
type CertWatcher struct {
	log logr.Logger

	certPath, keyPath string

	mu   sync.RWMutex
	cert *tls.Certificate

	watcher *fsnotify.Watcher
}

// NewCertWatcher loads the initial certificate and arms an fsnotify
// watch on both files' containing directories (editors and
// cert-management tools commonly replace a file instead of writing
// it in place, which fsnotify only reports as an event on the
// directory).
func NewCertWatcher(certPath, keyPath string, log logr.Logger) (*CertWatcher, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("control: loading initial certificate: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("control: starting certificate watcher: %w", err)
	}

	cw := &CertWatcher{
		log:      log,
		certPath: certPath,
		keyPath:  keyPath,
		cert:     &cert,
		watcher:  w,
	}

	for _, dir := range dirsOf(certPath, keyPath) {
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("control: watching %s: %w", dir, err)
		}
	}

	return cw, nil
}

// GetCertificate satisfies tls.Config.GetCertificate, handing every
// new TLS handshake the most recently loaded certificate.
func (w *CertWatcher) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cert, nil
}

// Run watches for filesystem events until stop is closed, reloading
// the certificate on any event that touches either watched file.
func (w *CertWatcher) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			_ = w.watcher.Close()
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.certPath && event.Name != w.keyPath {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error(err, "certificate watcher error")
		}
	}
}

func (w *CertWatcher) reload() {
	cert, err := tls.LoadX509KeyPair(w.certPath, w.keyPath)
	if err != nil {
		w.log.Error(err, "reloading certificate, keeping previous one in use")
		return
	}
	w.mu.Lock()
	w.cert = &cert
	w.mu.Unlock()
	w.log.Info("reloaded TLS certificate", "certPath", w.certPath)
}

func dirsOf(paths ...string) []string {
	seen := map[string]bool{}
	var dirs []string
	for _, p := range paths {
		dir := filepath.Dir(p)
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	return dirs
}
