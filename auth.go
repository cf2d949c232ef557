package docsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

type Token struct {
	Value string
	User  User
}

// supplies auth tokens for stream connections. The change listener fires
// on the current user immediately and again whenever the signed-in user
// changes, which the engine treats as a mutation scope switch.
type CredentialsProvider interface {
	GetToken(ctx context.Context) (*Token, error)
	// called after the server rejects the token, so a refresh happens
	// before the next attempt
	InvalidateToken()
	SetChangeListener(listener func(user User))
}

// anonymous access with no token attached
type EmptyCredentialsProvider struct {
}

func NewEmptyCredentialsProvider() *EmptyCredentialsProvider {
	return &EmptyCredentialsProvider{}
}

func (self *EmptyCredentialsProvider) GetToken(ctx context.Context) (*Token, error) {
	return nil, nil
}

func (self *EmptyCredentialsProvider) InvalidateToken() {
}

func (self *EmptyCredentialsProvider) SetChangeListener(listener func(user User)) {
	listener(AnonymousUser)
}

// bearer jwts issued by an external auth service. The token is not
// verified locally, only decoded to attribute the mutation scope.
type JwtCredentialsProvider struct {
	mutex    sync.Mutex
	token    string
	user     User
	listener func(user User)
}

func NewJwtCredentialsProvider(token string) (*JwtCredentialsProvider, error) {
	user, err := userFromJwt(token)
	if err != nil {
		return nil, err
	}
	return &JwtCredentialsProvider{
		token: token,
		user:  user,
	}, nil
}

func userFromJwt(token string) (User, error) {
	claims := jwt.MapClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(token, claims)
	if err != nil {
		return AnonymousUser, err
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return AnonymousUser, fmt.Errorf("jwt missing sub claim")
	}
	return User(sub), nil
}

func (self *JwtCredentialsProvider) GetToken(ctx context.Context) (*Token, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.token == "" {
		return nil, NewStatusError(CodeUnauthenticated, "no token")
	}
	return &Token{
		Value: self.token,
		User:  self.user,
	}, nil
}

func (self *JwtCredentialsProvider) InvalidateToken() {
	// tokens come from outside, nothing to refresh locally
}

// swaps the active token. A different subject notifies the listener.
func (self *JwtCredentialsProvider) SetToken(token string) error {
	user, err := userFromJwt(token)
	if err != nil {
		return err
	}

	self.mutex.Lock()
	self.token = token
	changed := self.user != user
	self.user = user
	listener := self.listener
	self.mutex.Unlock()

	if changed && listener != nil {
		listener(user)
	}
	return nil
}

func (self *JwtCredentialsProvider) SetChangeListener(listener func(user User)) {
	self.mutex.Lock()
	self.listener = listener
	user := self.user
	self.mutex.Unlock()

	listener(user)
}
