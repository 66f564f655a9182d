// Command frame-plot renders the frames of a recorded session as PNG plots.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/banshee-data/xrbridge/internal/xr/recorder"
)

func main() {
	dbPath := flag.String("db", "frames.db", "path to the recorder sqlite DB")
	sessionID := flag.String("session", "", "session to plot (default: most recent)")
	outDir := flag.String("out", ".", "directory for the PNG files")
	list := flag.Bool("list", false, "list sessions and exit")
	flag.Parse()

	if _, err := os.Stat(*dbPath); err != nil {
		log.Fatalf("DB path %s not accessible: %v", *dbPath, err)
	}

	rec, err := recorder.Open(*dbPath)
	if err != nil {
		log.Fatalf("failed to open recorder: %v", err)
	}
	defer rec.Close()

	sessions, err := rec.Sessions()
	if err != nil {
		log.Fatalf("%v", err)
	}
	if *list {
		for _, s := range sessions {
			log.Printf("%s  %s  %-30s %d frames", s.ID, s.StartedAt.Format("2006-01-02 15:04:05"), s.Source, s.Frames)
		}
		return
	}

	session, ok := pickSession(sessions, *sessionID)
	if !ok {
		log.Fatalf("session %q not found (%d sessions in %s)", *sessionID, len(sessions), *dbPath)
	}

	frames, err := rec.Frames(session.ID)
	if err != nil {
		log.Fatalf("%v", err)
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatalf("failed to create output dir: %v", err)
	}
	files, err := WritePlots(frames, session.Source, *outDir)
	if err != nil {
		log.Fatalf("plot failed: %v", err)
	}
	for _, f := range files {
		log.Printf("wrote %s", f)
	}
}

// pickSession finds id in sessions, or the most recent session when id is
// empty.
func pickSession(sessions []recorder.Session, id string) (recorder.Session, bool) {
	if id == "" {
		if len(sessions) == 0 {
			return recorder.Session{}, false
		}
		return sessions[len(sessions)-1], true
	}
	for _, s := range sessions {
		if s.ID == id {
			return s, true
		}
	}
	return recorder.Session{}, false
}
