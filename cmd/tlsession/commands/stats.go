package commands

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/mash-protocol/mash-tls/pkg/alert"
	"github.com/mash-protocol/mash-tls/pkg/log"
)

// Stats holds aggregate statistics about a log file.
type Stats struct {
	TotalEvents       int
	EventsByLayer     map[log.Layer]int
	EventsByCategory  map[log.Category]int
	EventsByDirection map[log.Direction]int
	Connections       map[string]*ConnectionStats
	Alerts            map[alert.Alert]int
	Rejections        int
	Errors            int
	TimeRange         struct {
		Start time.Time
		End   time.Time
	}
}

// ConnectionStats holds statistics for a single session.
type ConnectionStats struct {
	FirstSeen time.Time
	LastSeen  time.Time
	Events    int
	Role      log.Role
	Peer      string
	BytesIn   int
	BytesOut  int

	// FinalState is the last shutdown state recorded.
	FinalState string
}

// RunStats analyzes the log file and prints statistics.
func RunStats(path string, w io.Writer) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	stats := &Stats{
		EventsByLayer:     make(map[log.Layer]int),
		EventsByCategory:  make(map[log.Category]int),
		EventsByDirection: make(map[log.Direction]int),
		Connections:       make(map[string]*ConnectionStats),
		Alerts:            make(map[alert.Alert]int),
	}

	if err := reader.Each(func(e log.Event) error {
		stats.add(e)
		return nil
	}); err != nil {
		return fmt.Errorf("failed to read event: %w", err)
	}

	printStats(w, stats)
	return nil
}

func (s *Stats) add(event log.Event) {
	s.TotalEvents++
	s.EventsByLayer[event.Layer]++
	s.EventsByCategory[event.Category]++
	s.EventsByDirection[event.Direction]++

	if s.TimeRange.Start.IsZero() || event.Timestamp.Before(s.TimeRange.Start) {
		s.TimeRange.Start = event.Timestamp
	}
	if event.Timestamp.After(s.TimeRange.End) {
		s.TimeRange.End = event.Timestamp
	}

	conn, ok := s.Connections[event.ConnectionID]
	if !ok {
		conn = &ConnectionStats{
			FirstSeen: event.Timestamp,
			LastSeen:  event.Timestamp,
			Role:      event.LocalRole,
		}
		s.Connections[event.ConnectionID] = conn
	}
	conn.Events++
	if event.Timestamp.After(conn.LastSeen) {
		conn.LastSeen = event.Timestamp
	}
	if event.RemoteAddr != "" && conn.Peer == "" {
		conn.Peer = event.RemoteAddr
	}

	switch {
	case event.Frame != nil && event.Layer == log.LayerTransport:
		if event.Direction == log.DirectionIn {
			conn.BytesIn += event.Frame.Size
		} else {
			conn.BytesOut += event.Frame.Size
		}
	case event.Alert != nil:
		s.Alerts[alert.Alert{Level: event.Alert.Level, Description: event.Alert.Description}]++
	case event.Verify != nil:
		if !event.Verify.Informational && !event.Verify.Accepted {
			s.Rejections++
		}
	case event.StateChange != nil:
		if event.StateChange.Entity == log.StateEntityShutdown {
			conn.FinalState = event.StateChange.NewState
		}
	case event.Error != nil:
		s.Errors++
	}
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== TLS Session Log Statistics ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.Format(time.RFC3339),
			stats.TimeRange.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Second))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Layer:")
	for _, layer := range []log.Layer{log.LayerTransport, log.LayerRecord, log.LayerSession} {
		if count := stats.EventsByLayer[layer]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", layer.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{log.CategoryData, log.CategoryRecord, log.CategoryState, log.CategoryAlert, log.CategoryVerify, log.CategoryError} {
		if count := stats.EventsByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", cat.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Direction:")
	for _, dir := range []log.Direction{log.DirectionIn, log.DirectionOut} {
		if count := stats.EventsByDirection[dir]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", dir.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	if len(stats.Alerts) > 0 {
		alerts := make([]alert.Alert, 0, len(stats.Alerts))
		for a := range stats.Alerts {
			alerts = append(alerts, a)
		}
		sort.Slice(alerts, func(i, j int) bool {
			if alerts[i].Level != alerts[j].Level {
				return alerts[i].Level > alerts[j].Level
			}
			return alerts[i].Description < alerts[j].Description
		})
		fmt.Fprintln(w, "Alerts:")
		for _, a := range alerts {
			fmt.Fprintf(w, "  %-40s %d\n", a.String(), stats.Alerts[a])
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Connections: %d\n", len(stats.Connections))
	if len(stats.Connections) > 0 {
		type connInfo struct {
			id    string
			stats *ConnectionStats
		}
		conns := make([]connInfo, 0, len(stats.Connections))
		for id, cs := range stats.Connections {
			conns = append(conns, connInfo{id, cs})
		}
		sort.Slice(conns, func(i, j int) bool {
			return conns[i].stats.FirstSeen.Before(conns[j].stats.FirstSeen)
		})

		fmt.Fprintln(w)
		for _, c := range conns {
			duration := c.stats.LastSeen.Sub(c.stats.FirstSeen).Round(time.Millisecond)
			fmt.Fprintf(w, "  [%s] %s, %d events, duration %s\n",
				shortenConnID(c.id), c.stats.Role, c.stats.Events, duration)
			if c.stats.Peer != "" {
				fmt.Fprintf(w, "           Peer: %s\n", c.stats.Peer)
			}
			if c.stats.BytesIn > 0 || c.stats.BytesOut > 0 {
				fmt.Fprintf(w, "           Bytes: %d in, %d out\n", c.stats.BytesIn, c.stats.BytesOut)
			}
			if c.stats.FinalState != "" {
				fmt.Fprintf(w, "           Shutdown: %s\n", c.stats.FinalState)
			}
		}
	}

	if stats.Rejections > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Rejected certificates: %d\n", stats.Rejections)
	}
	if stats.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
	}
}
