package daemon_test

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/tasklytic/tasklytic/internal/daemon"
)

// ExampleFileWatcher demonstrates watching a client database for writes by
// other processes.
func ExampleFileWatcher() {
	tmpDir, err := os.MkdirTemp("", "watcher-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	dbPath := filepath.Join(tmpDir, "tasklytic.db")
	if err := os.WriteFile(dbPath, nil, 0644); err != nil {
		log.Fatal(err)
	}

	fw, err := daemon.NewFileWatcher()
	if err != nil {
		log.Fatal(err)
	}
	defer fw.Stop()

	if err := fw.Start(dbPath); err != nil {
		log.Fatal(err)
	}

	// Simulate a CLI command writing the write-ahead log
	if err := os.WriteFile(dbPath+"-wal", []byte("page"), 0644); err != nil {
		log.Fatal(err)
	}

	select {
	case event := <-fw.Events():
		fmt.Println("changed:", filepath.Base(event.Path))
	case <-time.After(2 * time.Second):
		fmt.Println("no change seen")
	}
}
