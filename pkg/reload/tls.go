package reload

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"slices"

	"github.com/gridctl/imagectl/pkg/host"

	"github.com/docker/go-connections/tlsconfig"
)

// tlsFiles returns the configured TLS material paths of t.
func tlsFiles(t host.TLS) []string {
	var out []string
	for _, p := range []string{t.CAFile, t.CertFile, t.KeyFile} {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// fingerprintTLS hashes the TLS material of every host that has some,
// keyed by host ID. An unreadable file hashes as its error, so fixing it
// later registers as a change.
func fingerprintTLS(hosts []host.Host) map[string]string {
	prints := make(map[string]string)
	for _, h := range hosts {
		files := tlsFiles(h.TLS)
		if len(files) == 0 {
			continue
		}
		sum := sha256.New()
		for _, f := range files {
			data, err := os.ReadFile(f)
			if err != nil {
				fmt.Fprintf(sum, "%s\x00error %v\x00", f, err)
				continue
			}
			fmt.Fprintf(sum, "%s\x00%d\x00", f, len(data))
			sum.Write(data)
		}
		prints[h.ID] = hex.EncodeToString(sum.Sum(nil))
	}
	return prints
}

// rotatedTLS lists hosts present in both prints whose material changed.
func rotatedTLS(old, new map[string]string) []string {
	var ids []string
	for id, p := range new {
		if prev, ok := old[id]; ok && prev != p {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// checkTLS verifies that the TLS material of h loads.
func checkTLS(h host.Host) error {
	if !h.TLS.Enabled() {
		return nil
	}
	_, err := tlsconfig.Client(tlsconfig.Options{
		CAFile:             h.TLS.CAFile,
		CertFile:           h.TLS.CertFile,
		KeyFile:            h.TLS.KeyFile,
		InsecureSkipVerify: h.TLS.InsecureSkipVerify,
	})
	if err != nil {
		return fmt.Errorf("host %s: loading TLS material: %w", h.ID, err)
	}
	return nil
}
