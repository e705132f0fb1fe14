package source

import (
	"io"
	"path"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"

	"github.com/pbxvault/pbxvault/internal/models"
)

// FileClient is the file-transfer contract against a tenant's filesystem,
// reached over the tunnel's SFTP subsystem.
type FileClient interface {
	// ListSince walks root recursively and returns regular files modified
	// strictly after `since`, ordered by (mod time, path).
	ListSince(root string, since time.Time) ([]models.RemoteFile, error)
	// Stat describes a single remote file.
	Stat(filePath string) (models.RemoteFile, error)
	// Download buffers a whole payload in memory. Only for small files.
	Download(filePath string) ([]byte, error)
	// Open streams a payload without buffering it.
	Open(filePath string) (io.ReadCloser, error)
}

type sftpFileClient struct {
	client *sftp.Client
}

func NewFileClient(client *sftp.Client) FileClient {
	return &sftpFileClient{client: client}
}

func (c *sftpFileClient) ListSince(root string, since time.Time) ([]models.RemoteFile, error) {
	var files []models.RemoteFile

	walker := c.client.Walk(root)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			// A vanished subdirectory is not fatal to the listing.
			continue
		}
		info := walker.Stat()
		if info == nil || info.IsDir() {
			continue
		}
		if !info.ModTime().After(since) {
			continue
		}
		files = append(files, models.RemoteFile{
			Path:    walker.Path(),
			Name:    path.Base(walker.Path()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].Path < files[j].Path
		}
		return files[i].ModTime.Before(files[j].ModTime)
	})
	return files, nil
}

func (c *sftpFileClient) Stat(filePath string) (models.RemoteFile, error) {
	info, err := c.client.Stat(filePath)
	if err != nil {
		return models.RemoteFile{}, errors.Wrapf(err, "stating %s", filePath)
	}
	return models.RemoteFile{
		Path:    filePath,
		Name:    path.Base(filePath),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

func (c *sftpFileClient) Download(filePath string) ([]byte, error) {
	f, err := c.client.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", filePath)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", filePath)
	}
	return data, nil
}

func (c *sftpFileClient) Open(filePath string) (io.ReadCloser, error) {
	f, err := c.client.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", filePath)
	}
	return f, nil
}
