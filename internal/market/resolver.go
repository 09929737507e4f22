package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"spreadrunner/internal/models"
)

// ScripMasterURL is the published instrument dump covering every
// tradeable contract across exchanges.
const ScripMasterURL = "https://margincalculator.angelone.in/OpenAPI_File/files/OpenAPIScripMaster.json"

const expiryLayout = "02Jan2006"

// Resolver turns a planned strike into a concrete instrument
type Resolver interface {
	Resolve(ctx context.Context, index string, strike int, kind models.OptionKind, expiry string) (models.Instrument, error)
	NextExpiry(ctx context.Context, index string, onOrAfter time.Time) (string, error)
}

// scripRow mirrors one entry of the scrip master dump. Strike comes
// back scaled by 100 and as a string.
type scripRow struct {
	Token          string `json:"token"`
	Symbol         string `json:"symbol"`
	Name           string `json:"name"`
	Expiry         string `json:"expiry"`
	Strike         string `json:"strike"`
	InstrumentType string `json:"instrumenttype"`
	ExchSeg        string `json:"exch_seg"`
}

// ScripResolver resolves instruments from the Angel One scrip master,
// downloading it once per day and caching it on disk.
type ScripResolver struct {
	url        string
	cachePath  string
	httpClient *http.Client
	logger     *logrus.Entry
	rows       []scripRow

	// index options exchange per underlying
	optionsExch map[string]string
}

// NewScripResolver creates a resolver caching the scrip master under dir.
func NewScripResolver(dir string, logger *logrus.Entry) *ScripResolver {
	return &ScripResolver{
		url:        ScripMasterURL,
		cachePath:  filepath.Join(dir, "OpenAPIScripMaster.json"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
		optionsExch: map[string]string{
			"NIFTY":  "NFO",
			"SENSEX": "BFO",
		},
	}
}

var _ Resolver = (*ScripResolver)(nil)

// load reads the scrip master from the cache, downloading it first
// when no fresh copy exists. The dump only changes overnight, so a
// same-day cache file is always reused.
func (r *ScripResolver) load(ctx context.Context) error {
	if r.rows != nil {
		return nil
	}

	if info, err := os.Stat(r.cachePath); err != nil || info.ModTime().Day() != time.Now().Day() {
		if err := r.download(ctx); err != nil {
			// Stale cache beats no cache
			if _, statErr := os.Stat(r.cachePath); statErr != nil {
				return err
			}
			r.logger.WithError(err).Warn("scrip master download failed, using stale cache")
		}
	}

	data, err := os.ReadFile(r.cachePath)
	if err != nil {
		return fmt.Errorf("reading scrip master cache: %w", err)
	}
	if err := json.Unmarshal(data, &r.rows); err != nil {
		return fmt.Errorf("parsing scrip master: %w", err)
	}
	return nil
}

func (r *ScripResolver) download(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return fmt.Errorf("building scrip master request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("downloading scrip master: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("scrip master download returned status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(r.cachePath), 0o750); err != nil {
		return fmt.Errorf("creating scrip cache dir: %w", err)
	}

	tmp := r.cachePath + ".tmp"
	f, err := os.Create(tmp) // #nosec G304 -- path derived from configured data dir
	if err != nil {
		return fmt.Errorf("creating scrip cache file: %w", err)
	}
	var rows []scripRow
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&rows); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("decoding scrip master: %w", err)
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(rows); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("writing scrip cache: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing scrip cache: %w", err)
	}
	if err := os.Rename(tmp, r.cachePath); err != nil {
		return fmt.Errorf("publishing scrip cache: %w", err)
	}

	r.logger.WithField("rows", len(rows)).Info("scrip master downloaded")
	return nil
}

// Resolve finds the option contract for the given index, strike, kind
// and expiry (scrip master format, e.g. 28AUG2025).
func (r *ScripResolver) Resolve(ctx context.Context, index string, strike int, kind models.OptionKind, expiry string) (models.Instrument, error) {
	exch, ok := r.optionsExch[strings.ToUpper(index)]
	if !ok {
		return models.Instrument{}, fmt.Errorf("unsupported index %q", index)
	}
	if err := r.load(ctx); err != nil {
		return models.Instrument{}, err
	}

	for _, row := range r.rows {
		if row.Name != strings.ToUpper(index) || row.ExchSeg != exch {
			continue
		}
		if !strings.Contains(strings.ToUpper(row.InstrumentType), "OPT") {
			continue
		}
		if !strings.HasSuffix(row.Symbol, string(kind)) {
			continue
		}
		if row.Expiry != expiry {
			continue
		}
		// Strike field is scaled by 100
		raw, err := strconv.ParseFloat(row.Strike, 64)
		if err != nil || int(raw/100) != strike {
			continue
		}

		inst := models.Instrument{
			Symbol:   row.Symbol,
			Token:    row.Token,
			Exchange: row.ExchSeg,
			Strike:   strike,
			Expiry:   row.Expiry,
		}
		r.logger.WithFields(logrus.Fields{
			"symbol": inst.Symbol,
			"token":  inst.Token,
			"strike": strike,
			"kind":   kind,
		}).Info("resolved contract")
		return inst, nil
	}

	return models.Instrument{}, fmt.Errorf("no %s option found for strike=%d kind=%s expiry=%s", index, strike, kind, expiry)
}

// NextExpiry picks the nearest option expiry on or after the given date.
func (r *ScripResolver) NextExpiry(ctx context.Context, index string, onOrAfter time.Time) (string, error) {
	exch, ok := r.optionsExch[strings.ToUpper(index)]
	if !ok {
		return "", fmt.Errorf("unsupported index %q", index)
	}
	if err := r.load(ctx); err != nil {
		return "", err
	}

	var best time.Time
	var bestStr string
	day := onOrAfter.Truncate(24 * time.Hour)

	for _, row := range r.rows {
		if row.Name != strings.ToUpper(index) || row.ExchSeg != exch {
			continue
		}
		if !strings.Contains(strings.ToUpper(row.InstrumentType), "OPT") {
			continue
		}
		dt, err := time.Parse(expiryLayout, row.Expiry)
		if err != nil {
			continue
		}
		if dt.Before(day) {
			continue
		}
		if bestStr == "" || dt.Before(best) {
			best = dt
			bestStr = row.Expiry
		}
	}

	if bestStr == "" {
		return "", fmt.Errorf("no %s option expiry found on or after %s", index, day.Format("2006-01-02"))
	}
	return bestStr, nil
}
