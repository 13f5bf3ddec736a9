// Package directory reads the host application's users and teams. It never
// writes to them; gatekeeper only needs to know whether a target exists and
// what to call it.
package directory

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type Team struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}
