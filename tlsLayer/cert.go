package tlsLayer

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	mathrand "math/rand"
	"net"
	"os"
	"strings"
	"time"

	"github.com/biter777/countries"
	"github.com/e1732a364fed/frontdoor/utils"
	"go.uber.org/zap"
)

var ErrCAFileWrong = errors.New("ca file is somehow wrong")

type DataEncoding int

const (
	PEM DataEncoding = iota
	DER
)

// ServerAuthData 是服务端证书链, 私钥, 以及可选的 ocsp staple.
//
// PEM 编码时, CertChain 只有一个元素, 即全部 CERTIFICATE 块拼在一起; DER 编码时每个元素是一张证书, 叶子证书在前.
type ServerAuthData struct {
	Encoding   DataEncoding
	CertChain  [][]byte
	PrivateKey []byte
	OCSP       []byte
}

// LoadServerAuthDataFromFile 读取 pem 格式的证书与私钥文件.
func LoadServerAuthDataFromFile(certFile, keyFile string) (ServerAuthData, error) {
	cb, err := os.ReadFile(certFile)
	if err != nil {
		return ServerAuthData{}, utils.ErrInErr{ErrDesc: "read cert file failed", ErrDetail: err, Data: certFile}
	}
	kb, err := os.ReadFile(keyFile)
	if err != nil {
		return ServerAuthData{}, utils.ErrInErr{ErrDesc: "read key file failed", ErrDetail: err, Data: keyFile}
	}
	return ServerAuthData{Encoding: PEM, CertChain: [][]byte{cb}, PrivateKey: kb}, nil
}

// Certificate 把 d 转换为 tls.Certificate, 并检查私钥与叶子证书是否匹配.
func (d ServerAuthData) Certificate() (*tls.Certificate, error) {
	if len(d.CertChain) == 0 || len(d.PrivateKey) == 0 {
		return nil, utils.ErrInErr{ErrDesc: "server auth data is empty", ErrDetail: utils.ErrNilParameter}
	}

	var cert tls.Certificate
	var err error
	switch d.Encoding {
	case PEM:
		cert, err = tls.X509KeyPair(bytes.Join(d.CertChain, []byte("\n")), d.PrivateKey)
		if err != nil {
			return nil, utils.ErrInErr{ErrDesc: "invalid pem key pair", ErrDetail: err}
		}
	case DER:
		cert.Certificate = d.CertChain
		cert.PrivateKey, err = parseDERPrivateKey(d.PrivateKey)
		if err != nil {
			return nil, err
		}
		cert.Leaf, err = x509.ParseCertificate(d.CertChain[0])
		if err != nil {
			return nil, utils.ErrInErr{ErrDesc: "invalid der certificate", ErrDetail: err}
		}
		if !publicKeyMatches(cert.Leaf.PublicKey, cert.PrivateKey) {
			return nil, utils.ErrInErr{ErrDesc: "private key does not match certificate"}
		}
	default:
		return nil, utils.ErrInErr{ErrDesc: "unknown encoding", Data: d.Encoding}
	}
	cert.OCSPStaple = d.OCSP
	return &cert, nil
}

func parseDERPrivateKey(der []byte) (crypto.PrivateKey, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	return nil, utils.ErrInErr{ErrDesc: "unsupported der private key"}
}

func publicKeyMatches(pub any, priv crypto.PrivateKey) bool {
	type equaler interface{ Equal(crypto.PublicKey) bool }
	switch k := priv.(type) {
	case *ecdsa.PrivateKey:
		return k.PublicKey.Equal(pub)
	case *rsa.PrivateKey:
		return k.PublicKey.Equal(pub)
	case crypto.Signer:
		if e, ok := k.Public().(equaler); ok {
			return e.Equal(pub)
		}
	}
	return false
}

// LoadCA 读取 pem 格式的 ca 文件.
func LoadCA(caFile string) (cp *x509.CertPool, err error) {
	if caFile == "" {
		err = utils.ErrNilParameter
		return
	}
	cp = x509.NewCertPool()
	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	if !cp.AppendCertsFromPEM(data) {
		return nil, ErrCAFileWrong
	}
	return
}

var randomWords = []string{"apple", "river", "falcon", "maple", "harbor", "cedar", "orbit", "lumen", "quartz", "meadow"}

// GenerateRandomCertKey 使用 ecc p256 方式生成自签名证书, 国家与组织名随机.
// commonName 为空时使用随机生成的 www.xxx.com; 若为ip则同时写入 IPAddresses, 否则写入 DNSNames.
func GenerateRandomCertKey(commonName string) (certPEM []byte, keyPEM []byte, err error) {
	clist := countries.All()
	country := clist[mathrand.Intn(len(clist))]

	companyName := randomWords[mathrand.Intn(len(randomWords))] + randomWords[mathrand.Intn(len(randomWords))]
	if commonName == "" {
		commonName = "www." + companyName + ".com"
	}

	if ce := utils.CanLogInfo("generate random cert with"); ce != nil {
		ce.Write(zap.String("country", country.Info().Name), zap.String("company", companyName), zap.String("cn", commonName))
	}

	subject := pkix.Name{
		Country:      []string{country.Alpha2()},
		Province:     []string{country.Capital().String()},
		Organization: []string{companyName},
		CommonName:   commonName,
	}

	max := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, _ := rand.Int(rand.Reader, max)
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      subject,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(commonName); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{strings.TrimSuffix(commonName, ".")}
	}

	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return
	}

	b, err := x509.MarshalECPrivateKey(rootKey)
	if err != nil {
		return
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: b})
	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &rootKey.PublicKey, rootKey)
	if err != nil {
		return
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	return
}

// GenerateRandomServerAuthData 同 GenerateRandomCertKey, 但直接返回 ServerAuthData
func GenerateRandomServerAuthData(commonName string) (ServerAuthData, error) {
	c, k, err := GenerateRandomCertKey(commonName)
	if err != nil {
		return ServerAuthData{}, err
	}
	return ServerAuthData{Encoding: PEM, CertChain: [][]byte{c}, PrivateKey: k}, nil
}

// GenerateRandomCertKeyFiles 生成随机证书，并输出到文件
func GenerateRandomCertKeyFiles(cfn, kfn string) error {
	cb, kb, err := GenerateRandomCertKey("")
	if err != nil {
		return err
	}
	if err := os.WriteFile(cfn, cb, 0o644); err != nil {
		return err
	}
	return os.WriteFile(kfn, kb, 0o600)
}
