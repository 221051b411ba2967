package hap

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/cvsouth/hap-go/accessory"
)

// accessoryJSON/serviceJSON/characteristicJSON mirror the wire shape GET
// /accessories returns — spec.md §4.5's "full model" document.
type accessoryJSON struct {
	AID      uint64        `json:"aid"`
	Services []serviceJSON `json:"services"`
}

type serviceJSON struct {
	IID             uint64               `json:"iid"`
	Type            string               `json:"type"`
	Hidden          bool                 `json:"hidden,omitempty"`
	Primary         bool                 `json:"primary,omitempty"`
	Characteristics []characteristicJSON `json:"characteristics"`
}

type characteristicJSON struct {
	AID    uint64      `json:"aid"`
	IID    uint64      `json:"iid"`
	Type   string      `json:"type,omitempty"`
	Value  interface{} `json:"value,omitempty"`
	Format string      `json:"format,omitempty"`
	Perms  []string    `json:"perms,omitempty"`
}

func formatName(f accessory.Format) string {
	switch f {
	case accessory.FormatBool:
		return "bool"
	case accessory.FormatUint8:
		return "uint8"
	case accessory.FormatUint16:
		return "uint16"
	case accessory.FormatUint32:
		return "uint32"
	case accessory.FormatUint64:
		return "uint64"
	case accessory.FormatInt:
		return "int"
	case accessory.FormatFloat:
		return "float"
	case accessory.FormatString:
		return "string"
	case accessory.FormatTLV8:
		return "tlv8"
	case accessory.FormatData:
		return "data"
	default:
		return "unknown"
	}
}

func permNames(p accessory.Permissions) []string {
	var out []string
	if p.Has(accessory.PermissionPairedRead) {
		out = append(out, "pr")
	}
	if p.Has(accessory.PermissionPairedWrite) {
		out = append(out, "pw")
	}
	if p.Has(accessory.PermissionNotify) {
		out = append(out, "ev")
	}
	if p.Has(accessory.PermissionAdditionalAuthorization) {
		out = append(out, "aa")
	}
	if p.Has(accessory.PermissionTimedWrite) {
		out = append(out, "tw")
	}
	if p.Has(accessory.PermissionHidden) {
		out = append(out, "hd")
	}
	return out
}

// findCharacteristic resolves an aid/iid pair against the configured
// accessory tree, or returns nil if neither matches.
func (srv *Server) findCharacteristic(aid, iid uint64) *accessory.Characteristic {
	for _, acc := range srv.cfg.Accessories {
		if acc.AID != aid {
			continue
		}
		return acc.FindCharacteristic(iid)
	}
	return nil
}

func (srv *Server) handleGetAccessories(sess *Session) *response {
	var out []accessoryJSON
	for _, acc := range srv.cfg.Accessories {
		aj := accessoryJSON{AID: acc.AID}
		for _, svc := range acc.Services {
			sj := serviceJSON{IID: svc.IID, Type: svc.Type, Hidden: svc.Hidden, Primary: svc.Primary}
			for _, c := range svc.Characteristics {
				cj := characteristicJSON{AID: acc.AID, IID: c.IID, Type: c.Type, Format: formatName(c.Format)}
				if c.Permissions.Has(accessory.PermissionPairedRead) {
					if v, st := c.Get(); st == accessory.StatusSuccess {
						cj.Value = v
					}
				}
				sj.Characteristics = append(sj.Characteristics, cj)
			}
			aj.Services = append(aj.Services, sj)
		}
		out = append(out, aj)
	}
	body, err := json.Marshal(struct {
		Accessories []accessoryJSON `json:"accessories"`
	}{out})
	if err != nil {
		return emptyResponse(http.StatusInternalServerError)
	}
	return jsonResponse(http.StatusOK, body)
}

type readResultJSON struct {
	AID    uint64      `json:"aid"`
	IID    uint64      `json:"iid"`
	Value  interface{} `json:"value,omitempty"`
	Type   string      `json:"type,omitempty"`
	Perms  []string    `json:"perms,omitempty"`
	Ev     *bool       `json:"ev,omitempty"`
	Status *int        `json:"status,omitempty"`
}

func (srv *Server) handleGetCharacteristics(sess *Session, req *http.Request) *response {
	q := req.URL.Query()
	ids := strings.Split(q.Get("id"), ",")
	wantMeta := q.Get("meta") == "1"
	wantPerms := q.Get("perms") == "1"
	wantType := q.Get("type") == "1"
	wantEv := q.Get("ev") == "1"

	var results []readResultJSON
	allOK := true
	for _, idPair := range ids {
		aid, iid, ok := parseIDPair(idPair)
		if !ok {
			allOK = false
			continue
		}
		c := srv.findCharacteristic(aid, iid)
		if c == nil {
			st := int(accessory.StatusNoResource)
			results = append(results, readResultJSON{AID: aid, IID: iid, Status: &st})
			allOK = false
			continue
		}
		v, st := c.Get()
		r := readResultJSON{AID: aid, IID: iid}
		if st == accessory.StatusSuccess {
			r.Value = v
		} else {
			allOK = false
			code := int(st)
			r.Status = &code
		}
		if wantType {
			r.Type = c.Type
		}
		if wantPerms || wantMeta {
			r.Perms = permNames(c.Permissions)
		}
		if wantEv {
			subscribed := c.Subscribed(sess.ID)
			r.Ev = &subscribed
		}
		results = append(results, r)
	}
	if !allOK {
		// In a multi-status reply every entry carries a status, so
		// successful reads report StatusSuccess explicitly.
		for i := range results {
			if results[i].Status == nil {
				code := int(accessory.StatusSuccess)
				results[i].Status = &code
			}
		}
	}

	body, err := json.Marshal(struct {
		Characteristics []readResultJSON `json:"characteristics"`
	}{results})
	if err != nil {
		return emptyResponse(http.StatusInternalServerError)
	}
	if allOK {
		return jsonResponse(http.StatusOK, body)
	}
	return jsonResponse(http.StatusMultiStatus, body)
}

func parseIDPair(s string) (aid, iid uint64, ok bool) {
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	a, err1 := strconv.ParseUint(parts[0], 10, 64)
	i, err2 := strconv.ParseUint(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return a, i, true
}

type writeEntry struct {
	AID   uint64      `json:"aid"`
	IID   uint64      `json:"iid"`
	Value interface{} `json:"value"`
	Ev    *bool       `json:"ev"`
}

type writeResultJSON struct {
	AID    uint64 `json:"aid"`
	IID    uint64 `json:"iid"`
	Status int    `json:"status"`
}

func (srv *Server) handlePutCharacteristics(sess *Session, body []byte) *response {
	var req struct {
		Characteristics []writeEntry `json:"characteristics"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return emptyResponse(http.StatusBadRequest)
	}

	results := make([]writeResultJSON, 0, len(req.Characteristics))
	allOK := true
	for _, e := range req.Characteristics {
		c := srv.findCharacteristic(e.AID, e.IID)
		if c == nil {
			results = append(results, writeResultJSON{AID: e.AID, IID: e.IID, Status: int(accessory.StatusNoResource)})
			allOK = false
			continue
		}
		st := accessory.StatusSuccess
		if e.Value != nil {
			st = c.Set(e.AID, e.Value)
		}
		if st == accessory.StatusSuccess && e.Ev != nil {
			if *e.Ev {
				st = c.Subscribe(sess.ID)
				if st == accessory.StatusSuccess {
					sess.trackSubscription(c)
				}
			} else {
				c.Unsubscribe(sess.ID)
				sess.untrackSubscription(c)
			}
		}
		if st != accessory.StatusSuccess {
			allOK = false
		}
		results = append(results, writeResultJSON{AID: e.AID, IID: e.IID, Status: int(st)})
	}

	if allOK {
		return emptyResponse(http.StatusNoContent)
	}
	body2, err := json.Marshal(struct {
		Characteristics []writeResultJSON `json:"characteristics"`
	}{results})
	if err != nil {
		return emptyResponse(http.StatusInternalServerError)
	}
	return jsonResponse(http.StatusMultiStatus, body2)
}

// marshalEventBody renders the JSON payload of one EVENT/1.0 frame —
// spec.md §4.5's single-characteristic-change notification.
func marshalEventBody(e event) ([]byte, error) {
	body := struct {
		Characteristics []struct {
			AID   uint64      `json:"aid"`
			IID   uint64      `json:"iid"`
			Value interface{} `json:"value"`
		} `json:"characteristics"`
	}{}
	body.Characteristics = append(body.Characteristics, struct {
		AID   uint64      `json:"aid"`
		IID   uint64      `json:"iid"`
		Value interface{} `json:"value"`
	}{AID: e.aid, IID: e.iid, Value: e.value})
	out, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("hap: marshal event: %w", err)
	}
	return out, nil
}
