package monitor

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmharper/cimg/v2"
)

// SnapshotSource polls an IP camera's still-image endpoint. Most cameras
// expose one (eg /snapshot.jpg), and for our sampling rates it's simpler
// and cheaper than decoding a video stream.
type SnapshotSource struct {
	URL    string
	Client *http.Client // nil uses http.DefaultClient
}

func (s *SnapshotSource) NextFrame() (*cimg.Image, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Get(s.URL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("snapshot fetch: %v", resp.Status)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	img, err := cimg.Decompress(raw)
	if err != nil {
		return nil, err
	}
	return img.ToRGB(), nil
}

// FileSource cycles through the JPEG files in a directory, oldest name
// first. Useful for replaying a captured sequence without a camera.
type FileSource struct {
	files []string
	next  int
}

func NewFileSource(dir string) (*FileSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	s := &FileSource{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.ToLower(e.Name())
		if strings.HasSuffix(name, ".jpg") || strings.HasSuffix(name, ".jpeg") {
			s.files = append(s.files, filepath.Join(dir, e.Name()))
		}
	}
	if len(s.files) == 0 {
		return nil, fmt.Errorf("no JPEG files in %v", dir)
	}
	sort.Strings(s.files)
	return s, nil
}

func (s *FileSource) NextFrame() (*cimg.Image, error) {
	img, err := cimg.ReadFile(s.files[s.next])
	if err != nil {
		return nil, err
	}
	s.next = (s.next + 1) % len(s.files)
	return img.ToRGB(), nil
}
