package hap

import (
	"crypto/ed25519"
	"net/http"

	"github.com/cvsouth/hap-go/accessory"
	"github.com/cvsouth/hap-go/pairing"
	"github.com/cvsouth/hap-go/pairsetup"
	"github.com/cvsouth/hap-go/pairverify"
	"github.com/cvsouth/hap-go/recordlayer"
	"github.com/cvsouth/hap-go/tlv8"
)

// Method TLV values recognized by POST /pairings (spec.md §4.5).
const (
	methodAddPairing    uint8 = 3
	methodRemovePairing uint8 = 4
	methodListPairings  uint8 = 5
)

func (srv *Server) handlePairSetup(sess *Session, body []byte) *response {
	req, err := tlv8.Decode(body)
	if err != nil {
		return tlv8Response(http.StatusOK, tlv8.Encode(unknownErrorContainer(1)))
	}
	state, err := req.GetByte(tlv8.State)
	if err != nil {
		return tlv8Response(http.StatusOK, tlv8.Encode(unknownErrorContainer(1)))
	}

	switch state {
	case 1:
		if !srv.acquirePairSetupToken(sess) {
			return tlv8Response(http.StatusOK, tlv8.Encode(errorContainer(2, tlv8.ErrorBusy)))
		}
		if paired, _ := srv.Paired(); paired {
			srv.releasePairSetupToken(sess)
			return tlv8Response(http.StatusOK, tlv8.Encode(errorContainer(2, tlv8.ErrorUnavailable)))
		}
		if sess.PairSetup != nil {
			// A retried M1 on a session that already holds the token (a
			// dropped M2 response, say) replaces the in-flight machine;
			// close the old one first so its SRP ephemeral key is zeroed.
			sess.PairSetup.Close()
		}
		setupCode := srv.resolveSetupCode()
		sess.PairSetup = pairsetup.New(srv.identity, setupCode, srv.logger)
		resp, err := sess.PairSetup.HandleM1(req)
		if err != nil {
			srv.abandonPairSetup(sess)
			return tlv8Response(http.StatusOK, tlv8.Encode(unknownErrorContainer(2)))
		}
		return tlv8Response(http.StatusOK, tlv8.Encode(resp))

	case 3:
		if sess.PairSetup == nil {
			return tlv8Response(http.StatusOK, tlv8.Encode(errorContainer(4, tlv8.ErrorUnknown)))
		}
		resp, err := sess.PairSetup.HandleM3(req)
		if err != nil {
			srv.abandonPairSetup(sess)
			return tlv8Response(http.StatusOK, tlv8.Encode(unknownErrorContainer(4)))
		}
		if _, isErr := resp.Get(tlv8.Error); isErr {
			srv.abandonPairSetup(sess)
		}
		return tlv8Response(http.StatusOK, tlv8.Encode(resp))

	case 5:
		if sess.PairSetup == nil {
			return tlv8Response(http.StatusOK, tlv8.Encode(errorContainer(6, tlv8.ErrorUnknown)))
		}
		resp, result, err := sess.PairSetup.HandleM5(req, srv.cfg.Store)
		srv.abandonPairSetup(sess)
		if err != nil {
			return tlv8Response(http.StatusOK, tlv8.Encode(unknownErrorContainer(6)))
		}
		if result != nil {
			srv.advertise()
		}
		return tlv8Response(http.StatusOK, tlv8.Encode(resp))

	default:
		return tlv8Response(http.StatusOK, tlv8.Encode(unknownErrorContainer(state+1)))
	}
}

func (srv *Server) abandonPairSetup(sess *Session) {
	if sess.PairSetup != nil {
		sess.PairSetup.Close()
		sess.PairSetup = nil
	}
	srv.releasePairSetupToken(sess)
}

func (srv *Server) resolveSetupCode() string {
	// The configured or generated setup code is always used; the
	// reference implementation's hard-coded "111-11-111" literal is not
	// reproduced (spec.md §9's first Open Question).
	if srv.cfg.SetupCode != "" {
		return srv.cfg.SetupCode
	}
	code := generateSetupCode()
	if srv.cfg.SetupCodeCallback != nil {
		srv.cfg.SetupCodeCallback(code)
	}
	return code
}

func (srv *Server) handlePairVerify(sess *Session, body []byte) *response {
	req, err := tlv8.Decode(body)
	if err != nil {
		return tlv8Response(http.StatusOK, tlv8.Encode(unknownErrorContainer(2)))
	}
	state, err := req.GetByte(tlv8.State)
	if err != nil {
		return tlv8Response(http.StatusOK, tlv8.Encode(unknownErrorContainer(2)))
	}

	switch state {
	case 1:
		if sess.PairVerify != nil {
			sess.PairVerify.Close()
		}
		sess.PairVerify = pairverify.New(pairverify.Identity{
			AccessoryID: srv.identity.AccessoryID,
			LongTermKey: srv.identity.LongTermKey,
		}, srv.cfg.Store, srv.logger)
		resp, err := sess.PairVerify.HandleV1(req)
		if err != nil {
			sess.PairVerify.Close()
			sess.PairVerify = nil
			return tlv8Response(http.StatusOK, tlv8.Encode(unknownErrorContainer(2)))
		}
		return tlv8Response(http.StatusOK, tlv8.Encode(resp))

	case 3:
		if sess.PairVerify == nil {
			return tlv8Response(http.StatusOK, tlv8.Encode(errorContainer(4, tlv8.ErrorUnknown)))
		}
		resp, result, err := sess.PairVerify.HandleV3(req)
		if err != nil {
			sess.PairVerify.Close()
			sess.PairVerify = nil
			return tlv8Response(http.StatusOK, tlv8.Encode(unknownErrorContainer(4)))
		}
		if result != nil {
			readKey, writeKey, derr := recordlayer.DeriveKeys(result.SharedSecret)
			if derr == nil {
				layer := recordlayer.New(readKey, writeKey)
				sess.bindVerified(result.DeviceID, result.Permissions, layer)
				srv.logger.Info("pair-verify complete", "session_id", sess.ID, "device_id", result.DeviceID)
			}
		}
		sess.PairVerify.Close()
		sess.PairVerify = nil
		return tlv8Response(http.StatusOK, tlv8.Encode(resp))

	default:
		return tlv8Response(http.StatusOK, tlv8.Encode(unknownErrorContainer(state+1)))
	}
}

func (srv *Server) handlePairings(sess *Session, body []byte) *response {
	_, perms := sess.Identity()
	if !perms.IsAdmin() {
		return tlv8Response(http.StatusOK, tlv8.Encode(errorContainer(2, tlv8.ErrorAuthentication)))
	}

	req, err := tlv8.Decode(body)
	if err != nil {
		return tlv8Response(http.StatusOK, tlv8.Encode(unknownErrorContainer(2)))
	}
	method, err := req.GetByte(tlv8.Method)
	if err != nil {
		return tlv8Response(http.StatusOK, tlv8.Encode(unknownErrorContainer(2)))
	}

	switch method {
	case methodAddPairing:
		return srv.handleAddPairing(req)
	case methodRemovePairing:
		return srv.handleRemovePairing(req)
	case methodListPairings:
		return srv.handleListPairings()
	default:
		return tlv8Response(http.StatusOK, tlv8.Encode(unknownErrorContainer(2)))
	}
}

func (srv *Server) handleAddPairing(req tlv8.Container) *response {
	idBytes, ok1 := req.Get(tlv8.Identifier)
	pubBytes, ok2 := req.Get(tlv8.PublicKey)
	if !ok1 || !ok2 {
		return tlv8Response(http.StatusOK, tlv8.Encode(unknownErrorContainer(2)))
	}
	permByte, _ := req.GetByte(tlv8.Permissions)

	if err := pairing.ValidatePoint(pubBytes); err != nil {
		return tlv8Response(http.StatusOK, tlv8.Encode(unknownErrorContainer(2)))
	}

	canAdd, err := srv.cfg.Store.CanAdd()
	if err != nil {
		return tlv8Response(http.StatusOK, tlv8.Encode(unknownErrorContainer(2)))
	}
	existing, findErr := srv.cfg.Store.Find(string(idBytes))
	if findErr == nil {
		// Already present: update permissions if the key matches, fail
		// otherwise (spec.md §4.5's AddPairing semantics).
		if !existing.PublicKey.Equal(ed25519.PublicKey(pubBytes)) {
			return tlv8Response(http.StatusOK, tlv8.Encode(errorContainer(2, tlv8.ErrorUnknown)))
		}
		if err := srv.cfg.Store.Update(string(idBytes), pairing.Permissions(permByte)); err != nil {
			return tlv8Response(http.StatusOK, tlv8.Encode(unknownErrorContainer(2)))
		}
		return tlv8Response(http.StatusOK, tlv8.Encode(stateOnly(2)))
	}
	if !canAdd {
		return tlv8Response(http.StatusOK, tlv8.Encode(errorContainer(2, tlv8.ErrorMaxPeers)))
	}
	if err := srv.cfg.Store.Add(pairing.Pairing{
		DeviceID:    string(idBytes),
		PublicKey:   pubBytes,
		Permissions: pairing.Permissions(permByte),
	}); err != nil {
		return tlv8Response(http.StatusOK, tlv8.Encode(unknownErrorContainer(2)))
	}
	return tlv8Response(http.StatusOK, tlv8.Encode(stateOnly(2)))
}

func (srv *Server) handleRemovePairing(req tlv8.Container) *response {
	idBytes, ok := req.Get(tlv8.Identifier)
	if !ok {
		return tlv8Response(http.StatusOK, tlv8.Encode(unknownErrorContainer(2)))
	}
	deviceID := string(idBytes)

	// Read the device id before removing the record — the reference
	// implementation frees the record first and then reads from the
	// freed memory; spec.md §9's second Open Question requires reading
	// it first (already done above, since idBytes comes from the
	// request, not the store).
	if err := srv.cfg.Store.Remove(deviceID); err != nil && err != pairing.ErrNotFound {
		return tlv8Response(http.StatusOK, tlv8.Encode(unknownErrorContainer(2)))
	}
	srv.disconnectByDeviceID(deviceID)
	srv.advertise()
	return tlv8Response(http.StatusOK, tlv8.Encode(stateOnly(2)))
}

func (srv *Server) handleListPairings() *response {
	all, err := srv.cfg.Store.All()
	if err != nil {
		return tlv8Response(http.StatusOK, tlv8.Encode(unknownErrorContainer(2)))
	}
	var records []tlv8.Container
	for _, p := range all {
		rec := tlv8.Container{}
		rec.Add(tlv8.Identifier, []byte(p.DeviceID))
		rec.Add(tlv8.PublicKey, p.PublicKey)
		rec.AddByte(tlv8.Permissions, uint8(p.Permissions))
		records = append(records, rec)
	}
	body := tlv8.Container{}
	body.AddByte(tlv8.State, 2)
	full := append(body, tlv8.JoinRecords(records)...)
	return tlv8Response(http.StatusOK, tlv8.Encode(full))
}

// handleIdentify writes true to the first accessory's Identify
// characteristic. It is valid only pre-pair; once paired it answers 400,
// and identification goes through the authenticated /characteristics path
// instead.
func (srv *Server) handleIdentify(sess *Session) *response {
	if paired, err := srv.Paired(); err != nil || paired {
		return emptyResponse(http.StatusBadRequest)
	}
	if len(srv.cfg.Accessories) == 0 {
		return emptyResponse(http.StatusNotFound)
	}
	info := srv.cfg.Accessories[0]
	for _, svc := range info.Services {
		if svc.Type != accessory.TypeAccessoryInformation {
			continue
		}
		for _, c := range svc.Characteristics {
			if c.Type == accessory.TypeIdentify {
				c.PushValue(info.AID, true)
				return emptyResponse(http.StatusNoContent)
			}
		}
	}
	return emptyResponse(http.StatusNotFound)
}

func (srv *Server) handleReset(sess *Session) *response {
	_, perms := sess.Identity()
	if !srv.cfg.AllowReset || !perms.IsAdmin() {
		return emptyResponse(http.StatusForbidden)
	}
	all, err := srv.cfg.Store.All()
	if err != nil {
		return emptyResponse(http.StatusInternalServerError)
	}
	for _, p := range all {
		_ = srv.cfg.Store.Remove(p.DeviceID)
	}
	srv.mu.Lock()
	for _, s := range srv.sessions {
		s.Disconnect()
	}
	srv.mu.Unlock()
	srv.advertise()
	return emptyResponse(http.StatusNoContent)
}

func (srv *Server) handleResource(sess *Session, body []byte) *response {
	if srv.cfg.ResourceHandler == nil {
		return emptyResponse(http.StatusNotFound)
	}
	out, err := srv.cfg.ResourceHandler(body)
	if err != nil {
		return emptyResponse(http.StatusInternalServerError)
	}
	return &response{status: http.StatusOK, contentType: "image/jpeg", body: out}
}

func stateOnly(state uint8) tlv8.Container {
	c := tlv8.Container{}
	c.AddByte(tlv8.State, state)
	return c
}

func errorContainer(state uint8, code tlv8.ErrorCode) tlv8.Container {
	c := tlv8.Container{}
	c.AddByte(tlv8.State, state)
	c.AddByte(tlv8.Error, uint8(code))
	return c
}

func unknownErrorContainer(state uint8) tlv8.Container {
	return errorContainer(state, tlv8.ErrorUnknown)
}
