package transport

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/carewizard/internal/definition"
	"github.com/pitabwire/carewizard/internal/wizard"
	"github.com/pitabwire/carewizard/model"
)

// resourceFormField is the multipart form field that carries the file.
const resourceFormField = "file"

// handleAttachResource buffers one multipart file and attaches it to a
// resource slot. Nothing is stored until the session is submitted; size and
// content type are enforced by the uploader at that point.
func handleAttachResource(engine *wizard.Engine, registry *definition.Registry, maxBytes, maxMemory int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if maxBytes > 0 {
			// Leave room for the multipart envelope; the file itself is
			// bounded below.
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes+maxMemory)
		}
		if err := r.ParseMultipartForm(maxMemory); err != nil {
			WriteError(w, model.NewBadRequestError("invalid multipart body: "+err.Error()))
			return
		}
		file, header, err := r.FormFile(resourceFormField)
		if err != nil {
			WriteError(w, model.NewBadRequestError(fmt.Sprintf("multipart field %q is required", resourceFormField)))
			return
		}
		defer file.Close()

		src := io.Reader(file)
		if maxBytes > 0 {
			src = io.LimitReader(file, maxBytes+1)
		}
		data, err := io.ReadAll(src)
		if err != nil {
			WriteError(w, model.NewBadRequestError("read uploaded file: "+err.Error()))
			return
		}

		sum := sha256.Sum256(data)
		contentType := header.Header.Get("Content-Type")
		if contentType == "" || contentType == "application/octet-stream" {
			contentType = http.DetectContentType(data)
		}

		res := model.Resource{
			Name:        header.Filename,
			ContentType: contentType,
			Size:        int64(len(data)),
			Checksum:    hex.EncodeToString(sum[:]),
			Open: func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(data)), nil
			},
		}

		sess, err := engine.AttachResource(r.Context(), chi.URLParam(r, "sessionId"), chi.URLParam(r, "slot"), res)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, sessionView(registry, sess))
	}
}
