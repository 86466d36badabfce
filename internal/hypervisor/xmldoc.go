package hypervisor

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
)

// ErrNotQcow2 is returned when the base domain's disk driver is not qcow2,
// the only format rewriteDomainXML accepts for an overlay.
var ErrNotQcow2 = errors.New("hypervisor: base domain disk is not qcow2")

// clonedDescriptor is the result of rewriting a base domain's descriptor
// for a clone: the new XML plus the base disk image path it references.
type clonedDescriptor struct {
	XML       string
	BaseFile  string
	DiskMatch bool
}

// rewriteDomainXML rewrites exactly three fields of a libvirt domain
// descriptor — /domain/name, /domain/uuid, and the qcow2 disk's
// /domain/devices/disk/source@file — and carries every other element,
// attribute and text value over unchanged. A DOM library would make this
// one XPath edit; Go has none in the dependency set, so this walks the
// token stream, rewrites only the three elements it cares about, and
// re-encodes every other token as decoded. The output is therefore
// re-serialized by encoding/xml: attributes come out double-quoted and
// empty elements as start/end pairs, not in the input's exact form.
func rewriteDomainXML(base string, newName, newUUID, newDiskFile string) (clonedDescriptor, error) {
	decoder := xml.NewDecoder(bytes.NewReader([]byte(base)))

	var (
		out        bytes.Buffer
		encoder    = xml.NewEncoder(&out)
		path       []string
		result     clonedDescriptor
		sawName    bool
		sawUUID    bool
		diskDriver string
		diskIsDisk bool
		inDisk     bool
	)

	for {
		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return clonedDescriptor{}, fmt.Errorf("decode domain xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			path = append(path, t.Name.Local)

			if t.Name.Local == "disk" {
				inDisk = true
				diskIsDisk = attrValue(t.Attr, "device") == "disk"
			}

			if inDisk && diskIsDisk && t.Name.Local == "driver" {
				diskDriver = attrValue(t.Attr, "type")
			}

			if inDisk && diskIsDisk && t.Name.Local == "source" {
				for i, a := range t.Attr {
					if a.Name.Local == "file" {
						result.BaseFile = a.Value
						t.Attr[i].Value = newDiskFile
						result.DiskMatch = true
					}
				}
			}

			if err := encoder.EncodeToken(t); err != nil {
				return clonedDescriptor{}, fmt.Errorf("re-encode start element: %w", err)
			}
		case xml.EndElement:
			if t.Name.Local == "disk" {
				inDisk = false
				diskIsDisk = false
			}

			if len(path) > 0 {
				path = path[:len(path)-1]
			}

			if err := encoder.EncodeToken(t); err != nil {
				return clonedDescriptor{}, fmt.Errorf("re-encode end element: %w", err)
			}
		case xml.CharData:
			if isPath(path, "domain", "name") {
				sawName = true

				if err := encoder.EncodeToken(xml.CharData(newName)); err != nil {
					return clonedDescriptor{}, fmt.Errorf("re-encode name: %w", err)
				}

				continue
			}

			if isPath(path, "domain", "uuid") {
				sawUUID = true

				if err := encoder.EncodeToken(xml.CharData(newUUID)); err != nil {
					return clonedDescriptor{}, fmt.Errorf("re-encode uuid: %w", err)
				}

				continue
			}

			if err := encoder.EncodeToken(t.Copy()); err != nil {
				return clonedDescriptor{}, fmt.Errorf("re-encode chardata: %w", err)
			}
		default:
			if err := encoder.EncodeToken(tok); err != nil {
				return clonedDescriptor{}, fmt.Errorf("re-encode token: %w", err)
			}
		}
	}

	if !sawName || !sawUUID {
		return clonedDescriptor{}, errors.New("hypervisor: domain xml missing name or uuid element")
	}

	if diskDriver != "" && diskDriver != "qcow2" {
		return clonedDescriptor{}, ErrNotQcow2
	}

	if !result.DiskMatch {
		return clonedDescriptor{}, errors.New("hypervisor: domain xml has no disk[@device='disk']/source@file")
	}

	if err := encoder.Flush(); err != nil {
		return clonedDescriptor{}, fmt.Errorf("flush domain xml: %w", err)
	}

	result.XML = out.String()

	return result, nil
}

func attrValue(attrs []xml.Attr, local string) string {
	for _, a := range attrs {
		if a.Name.Local == local {
			return a.Value
		}
	}

	return ""
}

func isPath(path []string, want ...string) bool {
	if len(path) != len(want) {
		return false
	}

	for i, p := range want {
		if path[i] != p {
			return false
		}
	}

	return true
}
