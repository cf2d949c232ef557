package docsync

import (
	"encoding/json"
	"fmt"
	"io"
)

// bundles are a stream of json elements: metadata first, then named
// queries and document entries in any order. A document entry is a
// document_metadata element followed by the document itself when it
// exists.

type WireBundleMetadata struct {
	BundleId       string `json:"id"`
	CreateTime     string `json:"create_time,omitempty"`
	Version        int32  `json:"version,omitempty"`
	TotalDocuments int32  `json:"total_documents,omitempty"`
	TotalBytes     int64  `json:"total_bytes,omitempty"`
}

type WireNamedQuery struct {
	Name         string    `json:"name"`
	BundledQuery WireQuery `json:"bundled_query"`
	ReadTime     string    `json:"read_time,omitempty"`
}

type WireBundledDocumentMetadata struct {
	Name     string `json:"name"`
	ReadTime string `json:"read_time,omitempty"`
	Exists   bool   `json:"exists,omitempty"`
}

type BundleElement struct {
	Metadata         *WireBundleMetadata          `json:"metadata,omitempty"`
	NamedQuery       *WireNamedQuery              `json:"named_query,omitempty"`
	DocumentMetadata *WireBundledDocumentMetadata `json:"document_metadata,omitempty"`
	Document         *WireDocument                `json:"document,omitempty"`
}

type BundleReader struct {
	decoder    *json.Decoder
	serializer *Serializer
	metadata   *BundleMetadata
}

func NewBundleReader(r io.Reader, serializer *Serializer) *BundleReader {
	return &BundleReader{
		decoder:    json.NewDecoder(r),
		serializer: serializer,
	}
}

func (self *BundleReader) Metadata() (BundleMetadata, error) {
	if self.metadata != nil {
		return *self.metadata, nil
	}
	element := BundleElement{}
	if err := self.decoder.Decode(&element); err != nil {
		return BundleMetadata{}, err
	}
	if element.Metadata == nil {
		return BundleMetadata{}, fmt.Errorf("bundle does not start with metadata")
	}
	createTime, err := self.serializer.DecodeVersion(element.Metadata.CreateTime)
	if err != nil {
		return BundleMetadata{}, err
	}
	self.metadata = &BundleMetadata{
		BundleId:   element.Metadata.BundleId,
		CreateTime: createTime,
		Version:    element.Metadata.Version,
		TotalDocs:  element.Metadata.TotalDocuments,
		TotalBytes: element.Metadata.TotalBytes,
	}
	return *self.metadata, nil
}

func (self *BundleReader) ReadAll() (map[DocumentKey]Document, []NamedQuery, error) {
	if _, err := self.Metadata(); err != nil {
		return nil, nil, err
	}

	docs := map[DocumentKey]Document{}
	namedQueries := []NamedQuery{}
	var pendingMetadata *WireBundledDocumentMetadata

	for {
		element := BundleElement{}
		if err := self.decoder.Decode(&element); err == io.EOF {
			break
		} else if err != nil {
			return nil, nil, err
		}

		switch {
		case element.NamedQuery != nil:
			query, err := self.serializer.DecodeQuery(element.NamedQuery.BundledQuery)
			if err != nil {
				return nil, nil, err
			}
			readTime, err := self.serializer.DecodeVersion(element.NamedQuery.ReadTime)
			if err != nil {
				return nil, nil, err
			}
			namedQueries = append(namedQueries, NamedQuery{
				Name:     element.NamedQuery.Name,
				Query:    query,
				ReadTime: readTime,
			})

		case element.DocumentMetadata != nil:
			if pendingMetadata != nil {
				return nil, nil, fmt.Errorf("bundle document missing for %s", pendingMetadata.Name)
			}
			if element.DocumentMetadata.Exists {
				pendingMetadata = element.DocumentMetadata
			} else {
				key, err := self.serializer.DecodeKey(element.DocumentMetadata.Name)
				if err != nil {
					return nil, nil, err
				}
				readTime, err := self.serializer.DecodeVersion(element.DocumentMetadata.ReadTime)
				if err != nil {
					return nil, nil, err
				}
				docs[key] = NoDocument(key, readTime)
			}

		case element.Document != nil:
			if pendingMetadata == nil {
				return nil, nil, fmt.Errorf("bundle document without metadata: %s", element.Document.Name)
			}
			if pendingMetadata.Name != element.Document.Name {
				return nil, nil, fmt.Errorf("bundle document out of order: %s", element.Document.Name)
			}
			doc, err := self.serializer.DecodeDocument(*element.Document)
			if err != nil {
				return nil, nil, err
			}
			docs[doc.Key] = doc
			pendingMetadata = nil

		default:
			return nil, nil, fmt.Errorf("unknown bundle element")
		}
	}
	if pendingMetadata != nil {
		return nil, nil, fmt.Errorf("bundle document missing for %s", pendingMetadata.Name)
	}
	return docs, namedQueries, nil
}
