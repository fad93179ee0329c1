package sasl_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestSasl(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "SASL State Machine Suite")
}
