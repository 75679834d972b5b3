// Package auth keeps track of the signed-in identity of the local device.
//
// A Client resolves the device's persisted identity on first use, refreshing
// expired tokens through the identity service, and then multiplexes auth
// state changes to every subscriber registered with OnAuthStateChanged.
// SignInAnonymously creates a new anonymous identity when none exists.
//
//	c := auth.New(identity.NewClient(apiKey), session.NewMemoryStore(), deviceID)
//	unsubscribe := c.OnAuthStateChanged(func(u *auth.User) { ... }, nil)
//	defer unsubscribe()
package auth
