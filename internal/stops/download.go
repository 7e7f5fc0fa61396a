package stops

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// EnsureTimetable downloads tt.URL to tt.Path unless the file already exists.
// Zip archives are unpacked to their first XML document.
func EnsureTimetable(ctx context.Context, client *http.Client, tt Timetable, maxElapsed time.Duration, log *zap.SugaredLogger) error {
	if _, err := os.Stat(tt.Path); err == nil {
		return nil
	}
	if tt.URL == "" {
		return errors.Errorf("timetable %s missing and no download url configured", tt.Path)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed
	body, err := backoff.RetryNotifyWithData(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, tt.URL, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("timetable download: status %d", resp.StatusCode)
			if resp.StatusCode < 500 {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return io.ReadAll(resp.Body)
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		log.Warnw("timetable download failed, retrying", "route", tt.Route, "in", d, "error", err)
	})
	if err != nil {
		return errors.Wrapf(err, "download timetable for %s", tt.Route)
	}

	if bytes.HasPrefix(body, []byte("PK")) {
		body, err = firstXML(body)
		if err != nil {
			return errors.Wrapf(err, "unpack timetable for %s", tt.Route)
		}
	}
	if dir := filepath.Dir(tt.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "create timetable dir")
		}
	}
	if err := os.WriteFile(tt.Path, body, 0o644); err != nil {
		return errors.Wrap(err, "write timetable")
	}
	log.Infow("downloaded timetable", "route", tt.Route, "path", tt.Path, "bytes", len(body))
	return nil
}

func firstXML(data []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	for _, f := range zr.File {
		if !strings.EqualFold(filepath.Ext(f.Name), ".xml") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, errors.New("archive holds no xml document")
}
