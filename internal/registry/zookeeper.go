package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-cloud/internal/logging"
)

// ZookeeperConfig ZooKeeper 連線設定
type ZookeeperConfig struct {
	Servers        []string
	Namespace      string // 所有節點的根路徑，例如 /beaver-cloud
	SessionTimeout time.Duration
}

// ZookeeperCenter 以 ZooKeeper 實作的註冊中心
type ZookeeperCenter struct {
	conn      *zk.Conn
	events    <-chan zk.Event
	namespace string
	acl       []zk.ACL
	logger    *zap.Logger
	done      chan struct{}
}

var _ Center = (*ZookeeperCenter)(nil)

// NewZookeeperCenter 連線 ZooKeeper 並建立命名空間根節點
func NewZookeeperCenter(cfg ZookeeperConfig, logger *zap.Logger) (*ZookeeperCenter, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("registry: zookeeper servers are required")
	}
	namespace := strings.TrimSuffix(cfg.Namespace, "/")
	if namespace != "" {
		if err := validatePath(namespace); err != nil {
			return nil, fmt.Errorf("%w: namespace %q", err, cfg.Namespace)
		}
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 10 * time.Second
	}
	logger = logging.OrNop(logger).Named("zookeeper")

	conn, events, err := zk.Connect(cfg.Servers, cfg.SessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("connect zookeeper %v: %w", cfg.Servers, err)
	}

	c := &ZookeeperCenter{
		conn:      conn,
		events:    events,
		namespace: namespace,
		acl:       zk.WorldACL(zk.PermAll),
		logger:    logger,
		done:      make(chan struct{}),
	}
	if namespace != "" {
		if err := c.ensure(namespace); err != nil {
			conn.Close()
			return nil, err
		}
	}
	go c.watchSession()
	return c, nil
}

func (c *ZookeeperCenter) watchSession() {
	for {
		select {
		case <-c.done:
			return
		case event, ok := <-c.events:
			if !ok {
				return
			}
			if event.Type != zk.EventSession {
				continue
			}
			switch event.State {
			case zk.StateExpired:
				c.logger.Warn("zookeeper session expired, ephemeral nodes are gone")
			case zk.StateDisconnected:
				c.logger.Warn("zookeeper disconnected")
			case zk.StateHasSession:
				c.logger.Info("zookeeper session established", zap.Int64("session_id", c.conn.SessionID()))
			}
		}
	}
}

func (c *ZookeeperCenter) full(p string) string {
	if p == "/" {
		if c.namespace == "" {
			return "/"
		}
		return c.namespace
	}
	return c.namespace + p
}

func (c *ZookeeperCenter) Get(p string) (string, error) {
	if err := validatePath(p); err != nil {
		return "", fmt.Errorf("%w: %q", err, p)
	}
	data, _, err := c.conn.Get(c.full(p))
	if err != nil {
		return "", translate(err, p)
	}
	return string(data), nil
}

func (c *ZookeeperCenter) IsExisted(p string) (bool, error) {
	if err := validatePath(p); err != nil {
		return false, fmt.Errorf("%w: %q", err, p)
	}
	exists, _, err := c.conn.Exists(c.full(p))
	if err != nil {
		return false, translate(err, p)
	}
	return exists, nil
}

func (c *ZookeeperCenter) Persist(p, value string) error {
	if err := validatePath(p); err != nil {
		return fmt.Errorf("%w: %q", err, p)
	}
	full := c.full(p)
	exists, _, err := c.conn.Exists(full)
	if err != nil {
		return translate(err, p)
	}
	if exists {
		_, err = c.conn.Set(full, []byte(value), -1)
		return translate(err, p)
	}
	if err := c.ensureParents(p); err != nil {
		return err
	}
	_, err = c.conn.Create(full, []byte(value), 0, c.acl)
	if errors.Is(err, zk.ErrNodeExists) {
		_, err = c.conn.Set(full, []byte(value), -1)
	}
	return translate(err, p)
}

func (c *ZookeeperCenter) PersistEphemeral(p, value string) error {
	if err := validatePath(p); err != nil {
		return fmt.Errorf("%w: %q", err, p)
	}
	full := c.full(p)
	if err := c.conn.Delete(full, -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
		return translate(err, p)
	}
	if err := c.ensureParents(p); err != nil {
		return err
	}
	_, err := c.conn.Create(full, []byte(value), zk.FlagEphemeral, c.acl)
	return translate(err, p)
}

func (c *ZookeeperCenter) PersistEphemeralSequential(p, value string) (string, error) {
	if err := validatePath(p); err != nil {
		return "", fmt.Errorf("%w: %q", err, p)
	}
	if err := c.ensureParents(p); err != nil {
		return "", err
	}
	created, err := c.conn.Create(c.full(p), []byte(value), zk.FlagEphemeral|zk.FlagSequence, c.acl)
	if err != nil {
		return "", translate(err, p)
	}
	return strings.TrimPrefix(created, c.namespace), nil
}

// Remove 由下而上遞迴刪除
func (c *ZookeeperCenter) Remove(p string) error {
	if err := validatePath(p); err != nil {
		return fmt.Errorf("%w: %q", err, p)
	}
	return c.removeRecursive(p)
}

func (c *ZookeeperCenter) removeRecursive(p string) error {
	children, _, err := c.conn.Children(c.full(p))
	if errors.Is(err, zk.ErrNoNode) {
		return nil
	}
	if err != nil {
		return translate(err, p)
	}
	for _, child := range children {
		if err := c.removeRecursive(Join(p, child)); err != nil {
			return err
		}
	}
	if p == "/" {
		return nil
	}
	err = c.conn.Delete(c.full(p), -1)
	if errors.Is(err, zk.ErrNoNode) {
		return nil
	}
	return translate(err, p)
}

func (c *ZookeeperCenter) GetChildrenKeys(p string) ([]string, error) {
	if err := validatePath(p); err != nil {
		return nil, fmt.Errorf("%w: %q", err, p)
	}
	children, _, err := c.conn.Children(c.full(p))
	if errors.Is(err, zk.ErrNoNode) {
		return []string{}, nil
	}
	if err != nil {
		return nil, translate(err, p)
	}
	sort.Strings(children)
	return children, nil
}

func (c *ZookeeperCenter) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	close(c.done)
	c.conn.Close()
	return nil
}

func (c *ZookeeperCenter) ensureParents(p string) error {
	parent := parentOf(p)
	if parent == "/" {
		return nil
	}
	return c.ensure(c.full(parent))
}

// ensure 由上而下建立持久節點與其祖先，已存在時忽略
func (c *ZookeeperCenter) ensure(full string) error {
	if strings.Count(full, "/") > 1 {
		if err := c.ensure(full[:strings.LastIndex(full, "/")]); err != nil {
			return err
		}
	}
	_, err := c.conn.Create(full, nil, 0, c.acl)
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return translate(err, full)
	}
	return nil
}

func translate(err error, p string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, zk.ErrNoNode):
		return fmt.Errorf("%w: %s", ErrNoNode, p)
	case errors.Is(err, zk.ErrClosing), errors.Is(err, zk.ErrConnectionClosed):
		return fmt.Errorf("%w: %v", ErrClosed, err)
	default:
		return fmt.Errorf("registry %s: %w", p, err)
	}
}
