package utils

import (
	"crypto/subtle"
	"sync"
)

// User 是一个 可确定唯一身份，且可验证该身份的 标识。
type User interface {
	IdentityStr() string //每个user唯一, 相当于 user name
	AuthStr() string     //可以识别出该用户 并验证该User的真实性。相当于 user name + password
}

type UserConf struct {
	User string `toml:"user" yaml:"user"`
	Pass string `toml:"pass" yaml:"pass"`
}

// UserPass 用于 socks5 和 http 代理的 用户名/密码 认证. implements User
type UserPass struct {
	UserID, Password []byte
}

func NewUserPass(uc UserConf) *UserPass {
	return &UserPass{
		UserID:   []byte(uc.User),
		Password: []byte(uc.Pass),
	}
}

func (ph *UserPass) IdentityStr() string {
	return string(ph.UserID)
}

func (ph *UserPass) AuthStr() string {
	return string(ph.UserID) + "\n" + string(ph.Password)
}

func (ph *UserPass) Valid() bool {
	return len(ph.UserID) > 0 && len(ph.Password) > 0
}

// GetUserByPass 以常数时间比较密码, 匹配则返回自身.
func (ph *UserPass) GetUserByPass(user, pass []byte) User {
	if subtle.ConstantTimeCompare(user, ph.UserID) == 1 && subtle.ConstantTimeCompare(pass, ph.Password) == 1 {
		return ph
	}
	return nil
}

// MultiUserMap 存储多个用户, 可通过 id 或 id+密码 查找. 并发安全.
type MultiUserMap struct {
	IDMap   map[string]User
	AuthMap map[string]User

	Mutex sync.RWMutex
}

func NewMultiUserMap() *MultiUserMap {
	return &MultiUserMap{
		IDMap:   make(map[string]User),
		AuthMap: make(map[string]User),
	}
}

func NewMultiUserMapByConf(ucs []UserConf) *MultiUserMap {
	mu := NewMultiUserMap()
	for _, uc := range ucs {
		mu.addUser(NewUserPass(uc))
	}
	return mu
}

func (mu *MultiUserMap) AddUser(u User) error {
	mu.Mutex.Lock()
	mu.addUser(u)
	mu.Mutex.Unlock()
	return nil
}

func (mu *MultiUserMap) addUser(u User) {
	mu.IDMap[u.IdentityStr()] = u
	mu.AuthMap[u.AuthStr()] = u
}

func (mu *MultiUserMap) DelUser(u User) {
	mu.Mutex.Lock()
	delete(mu.IDMap, u.IdentityStr())
	delete(mu.AuthMap, u.AuthStr())
	mu.Mutex.Unlock()
}

func (mu *MultiUserMap) Len() int {
	mu.Mutex.RLock()
	defer mu.Mutex.RUnlock()
	return len(mu.IDMap)
}

//通过ID查找
func (mu *MultiUserMap) HasUserByStr(str string) User {
	mu.Mutex.RLock()
	defer mu.Mutex.RUnlock()
	return mu.IDMap[str]
}

//通过Auth查找
func (mu *MultiUserMap) AuthUserByStr(str string) User {
	mu.Mutex.RLock()
	defer mu.Mutex.RUnlock()
	return mu.AuthMap[str]
}

// AuthUserPass 通过用户名和密码查找.
func (mu *MultiUserMap) AuthUserPass(user, pass string) User {
	return mu.AuthUserByStr(user + "\n" + pass)
}

// AuthenticatedUser 是通过了代理认证的用户, 由 socks5/http 的认证步骤写入连接的 Extensions.
type AuthenticatedUser struct {
	Protocol string
	Name     string
}
