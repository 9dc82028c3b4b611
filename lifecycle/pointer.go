package lifecycle

import (
	"context"
	"encoding/xml"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/openarchive/stors/internal"
	"github.com/openarchive/stors/meta"
)

// Namespace URIs used in pointer files.
const (
	nsMets   = "http://www.loc.gov/METS/"
	nsPremis = "http://www.loc.gov/premis/v3"
	nsXlink  = "http://www.w3.org/1999/xlink"
)

// PremisObject describes the stored AIP for the pointer file.
type PremisObject struct {
	IdentifierValue        string
	MessageDigestAlgorithm string
	MessageDigest          string
	Size                   int64
	FormatName             string
	FormatRegistryKey      string
}

// PremisEvent is one preservation event (compression, encryption,
// validation) recorded in the pointer file.
type PremisEvent struct {
	Identifier    string
	Type          string
	DateTime      string
	Detail        string
	OutcomeDetail string
}

// PremisAgent names a software or organization involved in the events.
type PremisAgent struct {
	IdentifierType  string
	IdentifierValue string
	Name            string
	Type            string
}

// --- write model (prefixed element names) ---

type pointerDoc struct {
	XMLName     xml.Name `xml:"mets:mets"`
	XMLNSMets   string   `xml:"xmlns:mets,attr"`
	XMLNSPremis string   `xml:"xmlns:premis,attr"`
	XMLNSXlink  string   `xml:"xmlns:xlink,attr"`
	Header struct {
		CreateDate string `xml:"CREATEDATE,attr"`
	} `xml:"mets:metsHdr"`
	AmdSec    pointerAmdSec `xml:"mets:amdSec"`
	FileSec   pointerFileSec
	StructMap pointerStructMap
}

type pointerAmdSec struct {
	ID     string `xml:"ID,attr"`
	TechMD struct {
		ID     string `xml:"ID,attr"`
		MdWrap struct {
			MDType string           `xml:"MDTYPE,attr"`
			Data   premisObjectData `xml:"mets:xmlData"`
		} `xml:"mets:mdWrap"`
	} `xml:"mets:techMD"`
	DigiprovMD []pointerDigiprov `xml:"mets:digiprovMD"`
}

type premisObjectData struct {
	Object struct {
		Identifier struct {
			Type  string `xml:"premis:objectIdentifierType"`
			Value string `xml:"premis:objectIdentifierValue"`
		} `xml:"premis:objectIdentifier"`
		Characteristics struct {
			CompositionLevel int `xml:"premis:compositionLevel"`
			Fixity           struct {
				Algorithm string `xml:"premis:messageDigestAlgorithm"`
				Digest    string `xml:"premis:messageDigest"`
			} `xml:"premis:fixity"`
			Size   int64 `xml:"premis:size"`
			Format struct {
				Designation struct {
					Name string `xml:"premis:formatName"`
				} `xml:"premis:formatDesignation"`
				Registry struct {
					Name string `xml:"premis:formatRegistryName,omitempty"`
					Key  string `xml:"premis:formatRegistryKey,omitempty"`
				} `xml:"premis:formatRegistry"`
			} `xml:"premis:format"`
		} `xml:"premis:objectCharacteristics"`
	} `xml:"premis:object"`
}

type pointerDigiprov struct {
	ID     string `xml:"ID,attr"`
	MdWrap struct {
		MDType string `xml:"MDTYPE,attr"`
		Data   struct {
			Event *premisEventXML `xml:"premis:event,omitempty"`
			Agent *premisAgentXML `xml:"premis:agent,omitempty"`
		} `xml:"mets:xmlData"`
	} `xml:"mets:mdWrap"`
}

type premisEventXML struct {
	Identifier struct {
		Type  string `xml:"premis:eventIdentifierType"`
		Value string `xml:"premis:eventIdentifierValue"`
	} `xml:"premis:eventIdentifier"`
	Type          string `xml:"premis:eventType"`
	DateTime      string `xml:"premis:eventDateTime"`
	Detail        string `xml:"premis:eventDetail,omitempty"`
	OutcomeDetail string `xml:"premis:eventOutcomeInformation>premis:eventOutcomeDetail>premis:eventOutcomeDetailNote,omitempty"`
}

type premisAgentXML struct {
	Identifier struct {
		Type  string `xml:"premis:agentIdentifierType"`
		Value string `xml:"premis:agentIdentifierValue"`
	} `xml:"premis:agentIdentifier"`
	Name string `xml:"premis:agentName"`
	Type string `xml:"premis:agentType"`
}

type pointerFileSec struct {
	XMLName xml.Name `xml:"mets:fileSec"`
	FileGrp struct {
		Use  string `xml:"USE,attr"`
		File struct {
			ID    string `xml:"ID,attr"`
			AdmID string `xml:"ADMID,attr"`
			FLocat struct {
				Href         string `xml:"xlink:href,attr"`
				LocType      string `xml:"LOCTYPE,attr"`
				OtherLocType string `xml:"OTHERLOCTYPE,attr"`
			} `xml:"mets:FLocat"`
		} `xml:"mets:file"`
	} `xml:"mets:fileGrp"`
}

type pointerStructMap struct {
	XMLName xml.Name `xml:"mets:structMap"`
	Type    string   `xml:"TYPE,attr"`
	Div     struct {
		Type  string `xml:"TYPE,attr"`
		Label string `xml:"LABEL,attr"`
		Fptr  struct {
			FileID string `xml:"FILEID,attr"`
		} `xml:"mets:fptr"`
	} `xml:"mets:div"`
}

// --- read model (local element names, namespace-agnostic) ---

// PointerInfo is what re-parsing a pointer file recovers.
type PointerInfo struct {
	ObjectIdentifier string
	ChecksumAlgo     string
	Checksum         string
	Size             int64
	Href             string
	EventTypes       []string
}

type parsedPointer struct {
	XMLName xml.Name `xml:"mets"`
	AmdSec  struct {
		TechMD struct {
			MdWrap struct {
				Data struct {
					Object struct {
						Identifier struct {
							Value string `xml:"objectIdentifierValue"`
						} `xml:"objectIdentifier"`
						Characteristics struct {
							Fixity struct {
								Algorithm string `xml:"messageDigestAlgorithm"`
								Digest    string `xml:"messageDigest"`
							} `xml:"fixity"`
							Size int64 `xml:"size"`
						} `xml:"objectCharacteristics"`
					} `xml:"object"`
				} `xml:"xmlData"`
			} `xml:"mdWrap"`
		} `xml:"techMD"`
		DigiprovMD []struct {
			MdWrap struct {
				Data struct {
					Event struct {
						Type string `xml:"eventType"`
					} `xml:"event"`
				} `xml:"xmlData"`
			} `xml:"mdWrap"`
		} `xml:"digiprovMD"`
	} `xml:"amdSec"`
	FileSec struct {
		FileGrp struct {
			File struct {
				FLocat struct {
					Href string `xml:"href,attr"`
				} `xml:"FLocat"`
			} `xml:"file"`
		} `xml:"fileGrp"`
	} `xml:"fileSec"`
}

// ParsePointerFile recovers the object identifier, fixity and location
// reference from a pointer document.
func ParsePointerFile(data []byte) (*PointerInfo, error) {
	var doc parsedPointer
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", internal.ErrValidation, err)
	}
	info := &PointerInfo{
		ObjectIdentifier: doc.AmdSec.TechMD.MdWrap.Data.Object.Identifier.Value,
		ChecksumAlgo:     doc.AmdSec.TechMD.MdWrap.Data.Object.Characteristics.Fixity.Algorithm,
		Checksum:         doc.AmdSec.TechMD.MdWrap.Data.Object.Characteristics.Fixity.Digest,
		Size:             doc.AmdSec.TechMD.MdWrap.Data.Object.Characteristics.Size,
		Href:             doc.FileSec.FileGrp.File.FLocat.Href,
	}
	for _, dp := range doc.AmdSec.DigiprovMD {
		if t := dp.MdWrap.Data.Event.Type; t != "" {
			info.EventTypes = append(info.EventTypes, t)
		}
	}
	return info, nil
}

func buildPointerDoc(pkg *meta.Package, storedHref string, obj PremisObject, events []PremisEvent, agents []PremisAgent) *pointerDoc {
	doc := &pointerDoc{
		XMLNSMets:   nsMets,
		XMLNSPremis: nsPremis,
		XMLNSXlink:  nsXlink,
	}
	doc.Header.CreateDate = time.Now().UTC().Format("2006-01-02T15:04:05")
	doc.AmdSec.ID = "amdSec_1"
	doc.AmdSec.TechMD.ID = "techMD_1"
	doc.AmdSec.TechMD.MdWrap.MDType = "PREMIS:OBJECT"
	o := &doc.AmdSec.TechMD.MdWrap.Data.Object
	o.Identifier.Type = "UUID"
	o.Identifier.Value = obj.IdentifierValue
	o.Characteristics.CompositionLevel = 1
	o.Characteristics.Fixity.Algorithm = obj.MessageDigestAlgorithm
	o.Characteristics.Fixity.Digest = obj.MessageDigest
	o.Characteristics.Size = obj.Size
	o.Characteristics.Format.Designation.Name = obj.FormatName
	if obj.FormatRegistryKey != "" {
		o.Characteristics.Format.Registry.Name = "PRONOM"
		o.Characteristics.Format.Registry.Key = obj.FormatRegistryKey
	}
	n := 1
	for _, ev := range events {
		var dp pointerDigiprov
		dp.ID = fmt.Sprintf("digiprovMD_%d", n)
		dp.MdWrap.MDType = "PREMIS:EVENT"
		e := &premisEventXML{}
		e.Identifier.Type = "UUID"
		e.Identifier.Value = ev.Identifier
		e.Type = ev.Type
		e.DateTime = ev.DateTime
		e.Detail = ev.Detail
		e.OutcomeDetail = ev.OutcomeDetail
		dp.MdWrap.Data.Event = e
		doc.AmdSec.DigiprovMD = append(doc.AmdSec.DigiprovMD, dp)
		n++
	}
	for _, ag := range agents {
		var dp pointerDigiprov
		dp.ID = fmt.Sprintf("digiprovMD_%d", n)
		dp.MdWrap.MDType = "PREMIS:AGENT"
		a := &premisAgentXML{}
		a.Identifier.Type = ag.IdentifierType
		a.Identifier.Value = ag.IdentifierValue
		a.Name = ag.Name
		a.Type = ag.Type
		dp.MdWrap.Data.Agent = a
		doc.AmdSec.DigiprovMD = append(doc.AmdSec.DigiprovMD, dp)
		n++
	}
	fileID := "file-" + pkg.UUID
	doc.FileSec.FileGrp.Use = "Archival Information Package"
	doc.FileSec.FileGrp.File.ID = fileID
	doc.FileSec.FileGrp.File.AdmID = "amdSec_1"
	doc.FileSec.FileGrp.File.FLocat.Href = storedHref
	doc.FileSec.FileGrp.File.FLocat.LocType = "OTHER"
	doc.FileSec.FileGrp.File.FLocat.OtherLocType = "SYSTEM"
	doc.StructMap.Type = "physical"
	doc.StructMap.Div.Type = "Archival Information Package"
	doc.StructMap.Div.Label = pkg.Name()
	doc.StructMap.Div.Fptr.FileID = fileID
	return doc
}

func marshalPointer(doc *pointerDoc) ([]byte, error) {
	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), data...), nil
}

// validatePointer re-parses the rendered document and checks the fields
// external consumers rely on. A pointer that fails validation is never
// persisted.
func validatePointer(data []byte, pkg *meta.Package, obj PremisObject) error {
	info, err := ParsePointerFile(data)
	if err != nil {
		return err
	}
	switch {
	case info.ObjectIdentifier != pkg.UUID:
		return fmt.Errorf("%w: pointer identifier %q does not match package %s",
			internal.ErrValidation, info.ObjectIdentifier, pkg.UUID)
	case info.Checksum == "" || info.ChecksumAlgo == "":
		return fmt.Errorf("%w: pointer is missing fixity information", internal.ErrValidation)
	case info.Size != obj.Size:
		return fmt.Errorf("%w: pointer size %d does not match object size %d",
			internal.ErrValidation, info.Size, obj.Size)
	case info.Href == "":
		return fmt.Errorf("%w: pointer has no FLocat reference", internal.ErrValidation)
	}
	return nil
}

// PointerFileName is the well-known name of a package's pointer file.
func PointerFileName(packageUUID string) string {
	return fmt.Sprintf("pointer.%s.xml", packageUUID)
}

// CreatePointerFile synthesizes, validates and stores the METS pointer
// document for an AIP or AIC. The document lands in the
// storage-service-internal Location under pointers/ and its reference is
// recorded on the Package. Validation failure is a hard error: an
// invalid pointer is never stored.
func (e *Engine) CreatePointerFile(ctx context.Context, packageUUID string, obj PremisObject, events []PremisEvent, agents []PremisAgent) (*meta.Package, error) {
	pkg, err := e.store.GetPackage(ctx, packageUUID)
	if err != nil {
		return nil, err
	}
	if pkg.Type != meta.AIP && pkg.Type != meta.AIC {
		return nil, fmt.Errorf("pointer files are only created for AIPs and AICs, not %s", pkg.Type)
	}
	internalLocUUID, err := e.store.DefaultLocation(ctx, meta.PurposeInternal)
	if err != nil {
		return nil, fmt.Errorf("no storage-service-internal location configured: %w", err)
	}
	loc, sp, backend, err := e.ResolveLocation(ctx, internalLocUUID)
	if err != nil {
		return nil, err
	}

	if obj.IdentifierValue == "" {
		obj.IdentifierValue = pkg.UUID
	}
	if obj.MessageDigestAlgorithm == "" {
		obj.MessageDigestAlgorithm = pkg.ChecksumAlgorithm
	}
	if obj.MessageDigest == "" {
		obj.MessageDigest = pkg.Checksum
	}
	if obj.Size == 0 {
		obj.Size = pkg.Size
	}

	srcLoc, err := e.store.GetLocation(ctx, pkg.LocationUUID)
	if err != nil {
		return nil, err
	}
	storedHref := path.Join(srcLoc.RelativePath, pkg.CurrentPath)

	doc := buildPointerDoc(pkg, storedHref, obj, events, agents)
	data, err := marshalPointer(doc)
	if err != nil {
		return nil, err
	}
	if err = validatePointer(data, pkg, obj); err != nil {
		return nil, err
	}

	if err = internal.EnsureDir(sp.StagingPath); err != nil {
		return nil, err
	}
	tmp := internal.UniqueStagingName(sp.StagingPath, PointerFileName(pkg.UUID))
	if err = os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, err
	}
	defer os.Remove(tmp)

	pointerRel := path.Join("pointers", PointerFileName(pkg.UUID))
	if err = backend.MoveFromStorageService(ctx, tmp, path.Join(loc.RelativePath, pointerRel), nil); err != nil {
		return nil, err
	}

	return e.store.UpdatePackage(ctx, pkg.UUID, func(p *meta.Package) error {
		p.PointerLocationUUID = loc.UUID
		p.PointerPath = pointerRel
		return nil
	})
}

// FetchPointerFile reads a package's pointer document back from its
// internal Location.
func (e *Engine) FetchPointerFile(ctx context.Context, packageUUID string) ([]byte, error) {
	pkg, err := e.store.GetPackage(ctx, packageUUID)
	if err != nil {
		return nil, err
	}
	if pkg.PointerPath == "" {
		return nil, internal.ErrNotFound
	}
	loc, sp, backend, err := e.ResolveLocation(ctx, pkg.PointerLocationUUID)
	if err != nil {
		return nil, err
	}
	if err = internal.EnsureDir(sp.StagingPath); err != nil {
		return nil, err
	}
	tmp := internal.UniqueStagingName(sp.StagingPath, PointerFileName(pkg.UUID))
	defer os.Remove(tmp)
	if err = backend.MoveToStorageService(ctx, path.Join(loc.RelativePath, pkg.PointerPath), tmp); err != nil {
		return nil, err
	}
	return os.ReadFile(filepath.Clean(tmp))
}
