// SPDX-License-Identifier: MIT

// Package epg splits XMLTV documents into per-channel XMLTV files.
package epg

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Every output file is bracketed by the exact XMLTV preamble and postamble
// expected by downstream consumers.
const (
	Preamble = "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n" +
		"<!DOCTYPE tv SYSTEM \"xmltv.dtd\">\n" +
		"<tv generator-info-name=\"dvb-epg-gen\">\n"
	Postamble = "</tv>\n"
)

// maxDocumentSize caps an input document to keep a hostile feed from
// exhausting memory.
const maxDocumentSize = 50 * 1024 * 1024

const (
	tvTag         = "tv"
	programmeTag  = "programme"
	channelAttr   = "channel"
	fileExtension = ".xml"
)

// ErrNoTVElement reports a document without a root <tv> element.
var ErrNoTVElement = errors.New("no tv element found")

// programme captures one <programme> element with its attributes and raw
// inner XML so it can be re-emitted verbatim.
type programme struct {
	Attrs []xml.Attr `xml:",any,attr"`
	Inner string     `xml:",innerxml"`
}

func (p programme) channel() string {
	for _, a := range p.Attrs {
		if a.Name.Local == channelAttr {
			return a.Value
		}
	}
	return ""
}

// writeTo re-serializes the element. Attribute order and inner content are
// preserved from the source document.
func (p programme) writeTo(w io.Writer) error {
	var buf bytes.Buffer
	buf.WriteByte('<')
	buf.WriteString(programmeTag)
	for _, a := range p.Attrs {
		buf.WriteByte(' ')
		buf.WriteString(a.Name.Local)
		buf.WriteString(`="`)
		if err := xml.EscapeText(&buf, []byte(a.Value)); err != nil {
			return err
		}
		buf.WriteByte('"')
	}
	buf.WriteByte('>')
	buf.WriteString(p.Inner)
	buf.WriteString("</")
	buf.WriteString(programmeTag)
	buf.WriteString(">\n")
	_, err := w.Write(buf.Bytes())
	return err
}

// validChannelID rejects ids that would escape the output directory when
// used as a file name.
func validChannelID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}

// Result summarizes one processed document.
type Result struct {
	Channels   int
	Programmes int
}

// Split reads an XMLTV document from r and writes one well-formed XMLTV file
// per distinct channel attribute into outDir. Files become visible atomically
// and only on success; on any error every pending file is discarded.
func Split(r io.Reader, outDir string) (Result, error) {
	dec := xml.NewDecoder(io.LimitReader(r, maxDocumentSize))
	dec.Strict = true
	// Disable entity expansion, the usual XMLTV hardening.
	dec.Entity = make(map[string]string)

	if err := seekTV(dec); err != nil {
		return Result{}, err
	}

	files := newFileSet(outDir)
	res := Result{}
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			files.discard()
			return Result{}, fmt.Errorf("parse document: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != programmeTag {
				if err := dec.Skip(); err != nil {
					files.discard()
					return Result{}, fmt.Errorf("parse document: %w", err)
				}
				continue
			}
			var p programme
			if err := dec.DecodeElement(&p, &t); err != nil {
				files.discard()
				return Result{}, fmt.Errorf("parse programme: %w", err)
			}
			id := p.channel()
			if !validChannelID(id) {
				continue
			}
			w, err := files.getOrOpen(id)
			if err != nil {
				files.discard()
				return Result{}, err
			}
			if err := p.writeTo(w); err != nil {
				files.discard()
				return Result{}, fmt.Errorf("write programme for %q: %w", id, err)
			}
			res.Programmes++
		case xml.EndElement:
			if t.Name.Local == tvTag {
				res.Channels = files.len()
				if err := files.finish(); err != nil {
					return Result{}, err
				}
				return res, nil
			}
		}
	}

	// EOF before </tv>: the decoder in strict mode reports unclosed elements
	// itself, so reaching here means an empty token stream after <tv>.
	files.discard()
	return Result{}, fmt.Errorf("parse document: truncated tv element")
}

// SplitFile processes a document deposited on disk, the watcher path.
func SplitFile(path, outDir string) (Result, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return Result{}, fmt.Errorf("open epg file: %w", err)
	}
	defer f.Close() //nolint:errcheck
	return Split(f, outDir)
}

// seekTV advances the decoder to the root <tv> start element.
func seekTV(dec *xml.Decoder) error {
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return ErrNoTVElement
		}
		if err != nil {
			return fmt.Errorf("parse document: %w", err)
		}
		if t, ok := tok.(xml.StartElement); ok {
			if t.Name.Local == tvTag {
				return nil
			}
			return ErrNoTVElement
		}
	}
}
