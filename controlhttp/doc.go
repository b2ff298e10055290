// Package controlhttp exposes a session.Session as a net/http handler.
//
//	GET    /session             snapshot of the session as JSON
//	POST   /session/connect     start a login (application/json credentials)
//	POST   /session/relogin     start a login with the remembered blob
//	POST   /session/disconnect  tear the connection down
//	POST   /session/messages    forward {"payload": ...} to the service
//	DELETE /session/remembered  forget the remembered blob
//	GET    /session/events      listener events as Server-Sent Events
//
// Connect and relogin answer 202 once the handshake has been initiated. The
// outcome arrives on the event stream. Register the Hub as the session's
// listener (or part of a session.Tee) so the stream has something to report:
//
//	hub := controlhttp.NewHub(64)
//	h, _ := controlhttp.New(controlhttp.Config{
//		NewSession: func() (*session.Session, error) { return session.New(cfg, backend, hub) },
//		Hub:        hub,
//	})
//
// Error and LoggedOut are terminal for a Session. With NewSession set, the
// next connect or relogin closes the terminal session and continues on a
// fresh one.
package controlhttp
