package signal

func (s *Server) handlePing(
	conn *wsConn,
) {
	resp := struct {
		Type string `json:"type"`
	}{
		Type: typePong,
	}
	s.sendJSON(conn, resp)
}

func (s *Server) handleUnsubscribe(conn *wsConn, m message) {
	conn.dropSub(m.Sub)
	s.opts.Registry.Unwatch(conn.id, m.Sub)
	s.sendJSON(conn, message{Type: typeAck, ID: m.ID, Sub: m.Sub})
}
