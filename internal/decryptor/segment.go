package decryptor

import (
	"context"
	"fmt"
	"os"

	"github.com/veldget/veldget/internal/models"
)

// SegmentDecryptor adapts the in-memory HLS AES-128 primitives above to
// the on-disk Segment model FileManager hands it: it reads
// a completed, not-yet-merged segment's file, decrypts it using the
// matching key segment's own downloaded file, and writes the plaintext
// back to the same path. It implements filemanager.Decryptor.
type SegmentDecryptor struct {
	item *models.DownloadItem
	hls  *HLSDecryptor
}

// NewSegmentDecryptor constructs a SegmentDecryptor for item. item's
// segment list is consulted at decrypt time to locate the key segment a
// media segment's KeyRef points at, since FileManager never loads a
// key's bytes itself.
func NewSegmentDecryptor(item *models.DownloadItem) *SegmentDecryptor {
	return &SegmentDecryptor{
		item: item,
		hls:  NewHLSDecryptor(nil, nil),
	}
}

// DecryptSegment decrypts seg.FilePath in place using seg.Key. Segments
// with no key (the key segments themselves) are a no-op.
func (d *SegmentDecryptor) DecryptSegment(ctx context.Context, seg *models.Segment) error {
	if seg.Key == nil {
		return nil
	}

	key, err := d.readKeyFile(seg.Key.URL)
	if err != nil {
		return fmt.Errorf("read key for segment %d: %w", seg.Index, err)
	}

	data, err := os.ReadFile(seg.FilePath)
	if err != nil {
		return fmt.Errorf("read segment body: %w", err)
	}

	iv := seg.Key.IV
	if len(iv) == 0 {
		// no explicit IV falls back to the segment's zero-based
		// index in its playlist, used as the sequence number.
		iv = SegmentIV(seg.Index)
	}

	plain, err := d.hls.Decrypt(data, key, iv)
	if err != nil {
		return fmt.Errorf("decrypt segment %d: %w", seg.Index, err)
	}

	return os.WriteFile(seg.FilePath, plain, 0o644)
}

// readKeyFile locates the KindKey segment matching keyURL and reads its
// already-downloaded body, rather than re-fetching the key over the
// network a second time.
func (d *SegmentDecryptor) readKeyFile(keyURL string) ([]byte, error) {
	for _, s := range d.item.Segments() {
		if s.Kind == models.KindKey && s.URL == keyURL {
			return os.ReadFile(s.FilePath)
		}
	}
	return nil, fmt.Errorf("no key segment found for %s", keyURL)
}
