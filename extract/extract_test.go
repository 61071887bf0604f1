package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	loom "github.com/loomworks/loom"
	"github.com/loomworks/loom/store/memory"
)

// buildMinimalPDF assembles a one-page PDF with a correct xref table.
// extra is spliced into the trailer dictionary (e.g. an /Encrypt entry).
func buildMinimalPDF(extra string) []byte {
	objects := []string{
		"1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n",
		"2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj\n",
		"3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>\nendobj\n",
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")

	offsets := make([]int, 0, len(objects))
	for _, obj := range objects {
		offsets = append(offsets, buf.Len())
		buf.WriteString(obj)
	}

	xrefStart := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R %s>>\nstartxref\n%d\n%%%%EOF\n",
		len(objects)+1, extra, xrefStart)
	return buf.Bytes()
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := New(memory.New(), t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

func TestSaveAndRead(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	data := buildMinimalPDF("")

	f, err := svc.Save(ctx, "report.pdf", data)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if f.ID == "" || f.MimeType != "application/pdf" || f.SizeBytes != int64(len(data)) {
		t.Errorf("unexpected record: %+v", f)
	}

	got, blob, err := svc.Read(ctx, f.ID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Filename != "report.pdf" {
		t.Errorf("filename = %q", got.Filename)
	}
	if !bytes.Equal(blob, data) {
		t.Error("blob does not round-trip")
	}
}

func TestSaveRejectsNonPDF(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Save(context.Background(), "notes.txt", []byte("plain text"))
	if !loom.IsValidation(err) {
		t.Fatalf("error = %v, want validation", err)
	}
	if !strings.Contains(err.Error(), "not a PDF") {
		t.Errorf("error = %q", err)
	}
}

func TestSaveRejectsOversized(t *testing.T) {
	svc := newTestService(t)
	data := append([]byte("%PDF-1.4\n"), make([]byte, MaxPDFBytes)...)
	_, err := svc.Save(context.Background(), "big.pdf", data)
	if !loom.IsValidation(err) {
		t.Fatalf("error = %v, want validation", err)
	}
}

func TestSaveRejectsEmpty(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Save(context.Background(), "empty.pdf", nil)
	if !loom.IsValidation(err) {
		t.Fatalf("error = %v, want validation", err)
	}
}

func TestSaveRejectsBrokenPDF(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Save(context.Background(), "broken.pdf", []byte("%PDF-1.4\ngarbage"))
	if !loom.IsValidation(err) {
		t.Fatalf("error = %v, want validation", err)
	}
}

func TestSaveRejectsEncryptedPDF(t *testing.T) {
	svc := newTestService(t)
	data := buildMinimalPDF("/Encrypt << /Filter /Standard >> ")
	_, err := svc.Save(context.Background(), "secret.pdf", data)
	if !loom.IsValidation(err) {
		t.Fatalf("error = %v, want validation", err)
	}
	if !strings.Contains(err.Error(), "encrypted") {
		t.Errorf("error = %q, want encrypted rejection", err)
	}
}

func TestExtractTextNoContent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	f, err := svc.Save(ctx, "blank.pdf", buildMinimalPDF(""))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	// The minimal document has a page but no content stream.
	_, err = svc.ExtractText(ctx, f.ID)
	if !loom.IsValidation(err) {
		t.Fatalf("error = %v, want validation (no extractable text)", err)
	}
}

func TestExtractTextUnknownFile(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.ExtractText(context.Background(), "missing")
	if !loom.IsNotFound(err) {
		t.Fatalf("error = %v, want not found", err)
	}
}
