package docsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// transport abstraction under the streams. The production implementation
// speaks json over websockets, tests substitute an in-memory connection.
type Connection interface {
	OpenStream(ctx context.Context, path string, headers map[string]string) (StreamConn, error)
}

type StreamConn interface {
	// message is marshaled as one json frame
	Send(ctx context.Context, message any) error
	// blocks until the next frame or stream end
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

const (
	WatchStreamPath = "/v1/listen"
	WriteStreamPath = "/v1/write"
)

type WebsocketConnectionSettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingTimeout      time.Duration
}

func DefaultWebsocketConnectionSettings() *WebsocketConnectionSettings {
	return &WebsocketConnectionSettings{
		HandshakeTimeout: 20 * time.Second,
		WriteTimeout:     30 * time.Second,
		PingTimeout:      60 * time.Second,
	}
}

type WebsocketConnection struct {
	baseUrl  string
	settings *WebsocketConnectionSettings
}

func NewWebsocketConnection(baseUrl string, settings *WebsocketConnectionSettings) *WebsocketConnection {
	return &WebsocketConnection{
		baseUrl:  baseUrl,
		settings: settings,
	}
}

func (self *WebsocketConnection) OpenStream(ctx context.Context, path string, headers map[string]string) (StreamConn, error) {
	streamUrl, err := url.JoinPath(self.baseUrl, path)
	if err != nil {
		return nil, err
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.HandshakeTimeout,
	}
	header := http.Header{}
	for name, value := range headers {
		header.Set(name, value)
	}
	wsConn, _, err := dialer.DialContext(ctx, streamUrl, header)
	if err != nil {
		return nil, NewStatusError(CodeUnavailable, "connect %s: %s", path, err)
	}
	glog.V(1).Infof("[ws]open %s\n", path)
	return newWebsocketStreamConn(wsConn, self.settings), nil
}

type websocketStreamConn struct {
	conn     *websocket.Conn
	settings *WebsocketConnectionSettings

	sendMutex sync.Mutex
}

func newWebsocketStreamConn(conn *websocket.Conn, settings *WebsocketConnectionSettings) *websocketStreamConn {
	return &websocketStreamConn{
		conn:     conn,
		settings: settings,
	}
}

func (self *websocketStreamConn) Send(ctx context.Context, message any) error {
	frame, err := json.Marshal(message)
	if err != nil {
		return err
	}

	self.sendMutex.Lock()
	defer self.sendMutex.Unlock()

	self.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := self.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return NewStatusError(CodeUnavailable, "send: %s", err)
	}
	return nil
}

func (self *websocketStreamConn) Receive(ctx context.Context) ([]byte, error) {
	self.conn.SetReadDeadline(time.Now().Add(self.settings.PingTimeout))
	_, frame, err := self.conn.ReadMessage()
	if err != nil {
		return nil, translateWebsocketError(err)
	}
	return frame, nil
}

func (self *websocketStreamConn) Close() error {
	return self.conn.Close()
}

// server initiated closes carry a status code in the close reason
func translateWebsocketError(err error) error {
	var closeErr *websocket.CloseError
	if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		closeErr = err.(*websocket.CloseError)
		wireErr := &WireError{}
		if unmarshalErr := json.Unmarshal([]byte(closeErr.Text), wireErr); unmarshalErr == nil {
			return wireErr.Err()
		}
		return NewStatusError(CodePermissionDenied, "%s", closeErr.Text)
	}
	return NewStatusError(CodeUnavailable, "receive: %s", err)
}

// bundles the transport, credentials, and serializer for one database
type Datastore struct {
	databaseId  DatabaseId
	connection  Connection
	credentials CredentialsProvider
	serializer  *Serializer
}

func NewDatastore(databaseId DatabaseId, connection Connection, credentials CredentialsProvider) *Datastore {
	return &Datastore{
		databaseId:  databaseId,
		connection:  connection,
		credentials: credentials,
		serializer:  NewSerializer(databaseId),
	}
}

func (self *Datastore) openStream(ctx context.Context, path string) (StreamConn, error) {
	token, err := self.credentials.GetToken(ctx)
	if err != nil {
		return nil, err
	}
	headers := map[string]string{}
	if token != nil {
		headers["Authorization"] = fmt.Sprintf("Bearer %s", token.Value)
	}
	return self.connection.OpenStream(ctx, path, headers)
}
