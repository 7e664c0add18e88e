// Package backup keeps local copies of live saves taken at every shutdown,
// before the autosave rotation overwrites them on the host.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/reedfamily/gamewarden/internal/remote"
)

type Archive struct {
	ID        string `json:"id"`
	MapName   string `json:"map_name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	CreatedAt string `json:"created_at"`
}

type Service struct {
	db      *sql.DB
	dataDir string
}

func NewService(db *sql.DB, dataDir string) *Service {
	return &Service{db: db, dataDir: dataDir}
}

// archiveDir returns the path where archives are stored for a map.
func (s *Service) archiveDir(mapName string) string {
	return filepath.Join(s.dataDir, "archives", mapName)
}

// Archive downloads the remote save at savePath into a local tar.gz.
func (s *Service) Archive(ctx context.Context, conn remote.Conn, mapName, savePath string) (*Archive, error) {
	data, err := conn.ReadFile(ctx, savePath)
	if err != nil {
		return nil, fmt.Errorf("download save: %w", err)
	}

	dir := s.archiveDir(mapName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}

	id := uuid.New().String()[:8]
	timestamp := time.Now().Format("20060102-150405")
	filename := fmt.Sprintf("%s-%s.tar.gz", timestamp, id)
	archivePath := filepath.Join(dir, filename)

	if err := writeTarGz(archivePath, path.Base(savePath), data); err != nil {
		os.Remove(archivePath)
		return nil, fmt.Errorf("create archive: %w", err)
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}

	a := &Archive{
		ID:        id,
		MapName:   mapName,
		Filename:  filename,
		SizeBytes: info.Size(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}

	_, err = s.db.Exec(
		`INSERT INTO archives (id, map_name, filename, size_bytes) VALUES (?, ?, ?, ?)`,
		a.ID, a.MapName, a.Filename, a.SizeBytes,
	)
	if err != nil {
		os.Remove(archivePath)
		return nil, fmt.Errorf("save archive record: %w", err)
	}

	return a, nil
}

// List returns archives, newest first. An empty mapName lists every map.
func (s *Service) List(mapName string) ([]Archive, error) {
	query := `SELECT id, map_name, filename, size_bytes, created_at FROM archives`
	var args []any
	if mapName != "" {
		query += ` WHERE map_name = ?`
		args = append(args, mapName)
	}
	rows, err := s.db.Query(query+` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	archives := []Archive{}
	for rows.Next() {
		var a Archive
		if err := rows.Scan(&a.ID, &a.MapName, &a.Filename, &a.SizeBytes, &a.CreatedAt); err != nil {
			continue
		}
		archives = append(archives, a)
	}
	return archives, nil
}

// FilePath returns the full path to an archive file.
func (s *Service) FilePath(id string) (string, error) {
	var mapName, filename string
	err := s.db.QueryRow(
		`SELECT map_name, filename FROM archives WHERE id = ?`, id,
	).Scan(&mapName, &filename)
	if err != nil {
		return "", fmt.Errorf("archive not found: %w", err)
	}
	return filepath.Join(s.archiveDir(mapName), filename), nil
}

// Delete removes an archive file and its database record.
func (s *Service) Delete(id string) error {
	p, err := s.FilePath(id)
	if err != nil {
		return err
	}

	os.Remove(p)
	_, err = s.db.Exec(`DELETE FROM archives WHERE id = ?`, id)
	return err
}

func writeTarGz(dest, name string, data []byte) error {
	file, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer file.Close()

	gw := gzip.NewWriter(file)
	tw := tar.NewWriter(gw)

	header := &tar.Header{
		Name:     name,
		Mode:     0644,
		Size:     int64(len(data)),
		ModTime:  time.Now(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	if _, err := tw.Write(data); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gw.Close()
}
