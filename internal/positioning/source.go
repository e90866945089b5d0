package positioning

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"familytrack/device-agent/internal/model"
	"familytrack/device-agent/internal/reporting"
)

// ErrUnavailable means positions can no longer be read: the agent lost access to its
// location source, the equivalent of a revoked location permission.
var ErrUnavailable = errors.New("location source unavailable")

// Source produces position fixes on demand.
type Source interface {
	Available() bool
	Fix(ctx context.Context) (reporting.Position, error)
}

// ParseSource builds a Source from a definition of the form "static:<lat>,<lon>[,<accuracy>]"
// or "file:<path>". An empty definition yields a source that is never available.
func ParseSource(def string) (Source, error) {
	def = strings.TrimSpace(def)
	if def == "" {
		return NoSource{}, nil
	}

	kind, arg, ok := strings.Cut(def, ":")
	if !ok {
		return nil, fmt.Errorf("invalid location source %q", def)
	}

	switch kind {
	case "static":
		pos, err := parseFix(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid static location source: %w", err)
		}
		return StaticSource{Position: pos}, nil
	case "file":
		if arg == "" {
			return nil, fmt.Errorf("file location source needs a path")
		}
		return FileSource{Path: arg}, nil
	default:
		return nil, fmt.Errorf("unknown location source kind %q", kind)
	}
}

// NoSource is used when no location source is configured.
type NoSource struct{}

func (NoSource) Available() bool { return false }

func (NoSource) Fix(context.Context) (reporting.Position, error) {
	return reporting.Position{}, ErrUnavailable
}

// StaticSource always reports the same coordinates.
type StaticSource struct {
	Position reporting.Position
}

func (s StaticSource) Available() bool { return true }

func (s StaticSource) Fix(context.Context) (reporting.Position, error) {
	return s.Position, nil
}

// FileSource reads the last line of a file maintained by an external GPS daemon.
// Each line is "lat,lon[,accuracy[,battery[,charging]]]".
type FileSource struct {
	Path string
}

func (s FileSource) Available() bool {
	f, err := os.Open(s.Path)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

func (s FileSource) Fix(ctx context.Context) (reporting.Position, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			return reporting.Position{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return reporting.Position{}, fmt.Errorf("open location file: %w", err)
	}
	defer f.Close()

	var last string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return reporting.Position{}, ctx.Err()
		}
		if line := strings.TrimSpace(scanner.Text()); line != "" && !strings.HasPrefix(line, "#") {
			last = line
		}
	}
	if err := scanner.Err(); err != nil {
		return reporting.Position{}, fmt.Errorf("read location file: %w", err)
	}
	if last == "" {
		return reporting.Position{}, fmt.Errorf("location file %s has no fix yet", s.Path)
	}

	pos, err := parseFix(last)
	if err != nil {
		return reporting.Position{}, err
	}
	if info, err := f.Stat(); err == nil {
		pos.Time = info.ModTime()
	}
	return pos, nil
}

func parseFix(line string) (reporting.Position, error) {
	fields := strings.Split(line, ",")
	if len(fields) < 2 {
		return reporting.Position{}, fmt.Errorf("fix %q needs at least lat,lon", line)
	}

	lat, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
	if err != nil {
		return reporting.Position{}, fmt.Errorf("parse latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	if err != nil {
		return reporting.Position{}, fmt.Errorf("parse longitude: %w", err)
	}

	pos := reporting.Position{Latitude: lat, Longitude: lon}

	if len(fields) > 2 {
		acc, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 32)
		if err != nil {
			return reporting.Position{}, fmt.Errorf("parse accuracy: %w", err)
		}
		pos.Accuracy = float32(acc)
	}

	if len(fields) > 3 {
		level, err := strconv.Atoi(strings.TrimSpace(fields[3]))
		if err != nil {
			return reporting.Position{}, fmt.Errorf("parse battery level: %w", err)
		}
		battery := &model.Battery{Level: level}
		if len(fields) > 4 {
			battery.Charging, _ = strconv.ParseBool(strings.TrimSpace(fields[4]))
		}
		pos.Battery = battery
	}

	return pos, nil
}
