package archive

import (
	"bytes"
	"context"
	"encoding/csv"
	"math"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/davidread/bus-timeliness/internal/transit"
)

// Header is the column layout of archived raw position files.
var Header = []string{"Timestamp", "Bus_ID", "Route", "Direction", "Latitude", "Longitude", "Trip_ID", "Nearest_Stop", "Distance_Metres"}

// Archiver writes each cycle's raw positions as one CSV object named
// <prefix>/<date>/<unix seconds>.csv.
type Archiver struct {
	uploader Uploader
	bucket   string
	prefix   string
}

func NewArchiver(u Uploader, bucket, prefix string) *Archiver {
	return &Archiver{uploader: u, bucket: bucket, prefix: prefix}
}

func (a *Archiver) ArchivePositions(ctx context.Context, polledAt time.Time, recs []transit.PositionRecord) (string, error) {
	if len(recs) == 0 {
		return "", nil
	}
	body, err := EncodeCSV(recs)
	if err != nil {
		return "", err
	}
	dir := polledAt.Format("2006-01-02")
	if a.prefix != "" {
		dir = a.prefix + "/" + dir
	}
	name := strconv.FormatInt(polledAt.Unix(), 10) + ".csv"
	if err := a.uploader.Upload(ctx, a.bucket, dir, name, body); err != nil {
		return "", errors.Wrap(err, "archive positions")
	}
	return dir + "/" + name, nil
}

// EncodeCSV renders records with Header as the first line. Distances are
// rounded to whole meters and left empty when unknown.
func EncodeCSV(recs []transit.PositionRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(Header); err != nil {
		return nil, err
	}
	for _, r := range recs {
		dist := ""
		if r.DistanceMeters != nil && !math.IsInf(*r.DistanceMeters, 0) {
			dist = strconv.FormatInt(int64(math.Round(*r.DistanceMeters)), 10)
		}
		if err := w.Write([]string{
			r.Timestamp.Format(time.RFC3339),
			r.BusID,
			r.Route,
			r.Direction,
			strconv.FormatFloat(r.Latitude, 'f', -1, 64),
			strconv.FormatFloat(r.Longitude, 'f', -1, 64),
			r.TripID,
			r.NearestStop,
			dist,
		}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
