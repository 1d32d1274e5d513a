package main

import (
	"log"
	"os"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
	"github.com/medrex/dlt-telehealth/chaincode/telehealth/contract"
	"github.com/medrex/dlt-telehealth/pkg/logger"
)

func main() {
	level := os.Getenv("CORE_CHAINCODE_LOGGING_LEVEL")
	if level == "" {
		level = "info"
	}

	telehealthChaincode, err := contractapi.NewChaincode(&contract.SmartContract{Logger: logger.New(level)})
	if err != nil {
		log.Panicf("Error creating telehealth chaincode: %v", err)
	}
	telehealthChaincode.Info.Title = "telehealth"
	telehealthChaincode.Info.Version = "1.0.0"

	if err := telehealthChaincode.Start(); err != nil {
		log.Panicf("Error starting telehealth chaincode: %v", err)
	}
}
