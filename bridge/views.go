// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/fnndsc/cni-store-proxy/backend"
	"github.com/fnndsc/cni-store-proxy/lib/netutil"
)

// ContentHashTrailer carries the hex BLAKE3 digest of a downloaded file.
const ContentHashTrailer = "X-Content-Blake3"

// cubeFilesPrefix matches everything up to the file id in a CUBE
// file_resource URL.
var cubeFilesPrefix = regexp.MustCompile(`^.+/api/v1/files/`)

type statusView struct {
	Files         string          `json:"files"`
	Summary       json.RawMessage `json:"summary"`
	Status        string          `json:"status"`
	PluginName    string          `json:"plugin_name"`
	PluginVersion string          `json:"plugin_version"`
}

type fileView struct {
	CreationDate string `json:"creation_date"`
	FileResource string `json:"file_resource"`
}

type filesView struct {
	Results []fileView `json:"results"`
}

func (b *Bridge) handleStatus(w http.ResponseWriter, r *http.Request) {
	result, err := b.resolve(r)
	if err != nil {
		b.fail(w, r, err)
		return
	}
	evaluator := result.evaluator
	writeJSON(w, http.StatusOK, statusView{
		Files:         b.requestURL(r) + "files/",
		Summary:       evaluator.Summary,
		Status:        evaluator.Status,
		PluginName:    evaluator.PluginName,
		PluginVersion: evaluator.PluginVersion,
	})
}

func (b *Bridge) handleFiles(w http.ResponseWriter, r *http.Request) {
	result, err := b.resolve(r)
	if err != nil {
		b.fail(w, r, err)
		return
	}
	files, err := b.backend.Files(r.Context(), result.evaluator.Files)
	if err != nil {
		b.fail(w, r, err)
		return
	}

	base := b.requestURL(r)
	view := filesView{Results: make([]fileView, 0, len(files))}
	for _, file := range files {
		view.Results = append(view.Results, fileView{
			CreationDate: file.CreationDate,
			FileResource: cubeFilesPrefix.ReplaceAllLiteralString(file.FileResource, base),
		})
	}
	writeJSON(w, http.StatusOK, view)
}

func (b *Bridge) handleDownload(w http.ResponseWriter, r *http.Request) {
	result, err := b.resolve(r)
	if err != nil {
		b.fail(w, r, err)
		return
	}
	file, err := b.findFile(r, result.evaluator)
	if err != nil {
		b.fail(w, r, err)
		return
	}

	response, err := b.backend.Download(r.Context(), file.FileResource)
	if err != nil {
		b.fail(w, r, err)
		return
	}
	defer response.Body.Close()

	header := w.Header()
	if contentType := response.Header.Get("Content-Type"); contentType != "" {
		header.Set("Content-Type", contentType)
	}
	if disposition := response.Header.Get("Content-Disposition"); disposition != "" {
		header.Set("Content-Disposition", disposition)
	}
	header.Set("Trailer", ContentHashTrailer)
	w.WriteHeader(http.StatusOK)

	hasher := blake3.New()
	written, err := io.Copy(io.MultiWriter(w, hasher), response.Body)
	if err != nil {
		// Headers are sent; the missing trailer tells the client the
		// body is incomplete.
		b.logger.Warn("bridge download interrupted",
			"path", r.URL.Path,
			"file_id", file.ID,
			"bytes_written", written,
			"client_gone", netutil.IsClientGone(err),
			"error", err,
		)
		return
	}
	header.Set(ContentHashTrailer, hex.EncodeToString(hasher.Sum(nil)))
	b.logger.Info("bridge download complete",
		"plugin_name", result.pluginName,
		"file_id", file.ID,
		"bytes_written", written,
	)
}

// findFile returns the evaluator's file matching {fid} and {filename}.
// An unknown id and a wrong name are both ErrFileNotFound.
func (b *Bridge) findFile(r *http.Request, evaluator backend.Instance) (*backend.File, error) {
	fileID, err := strconv.Atoi(r.PathValue("fid"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid file id %q", ErrFileNotFound, r.PathValue("fid"))
	}
	filename := r.PathValue("filename")

	files, err := b.backend.Files(r.Context(), evaluator.Files)
	if err != nil {
		return nil, err
	}
	for i := range files {
		if files[i].ID != fileID {
			continue
		}
		if path.Base(files[i].Fname) != filename {
			return nil, fmt.Errorf("%w: file %d is %s, not %s", ErrFileNotFound, fileID, files[i].Fname, filename)
		}
		return &files[i], nil
	}
	return nil, fmt.Errorf("%w: no file %d on instance %d", ErrFileNotFound, fileID, evaluator.ID)
}

// requestURL is the absolute URL of this request without its query. In
// trust-proxy mode the scheme and host come from the X-Forwarded headers.
func (b *Bridge) requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host
	if b.trustProxy {
		if forwarded := firstValue(r.Header.Get("X-Forwarded-Proto")); forwarded != "" {
			scheme = forwarded
		}
		if forwarded := firstValue(r.Header.Get("X-Forwarded-Host")); forwarded != "" {
			host = forwarded
		}
	}
	return scheme + "://" + host + r.URL.EscapedPath()
}

// firstValue returns the first element of a comma-separated header added
// to by each proxy hop.
func firstValue(header string) string {
	first, _, _ := strings.Cut(header, ",")
	return strings.TrimSpace(first)
}
