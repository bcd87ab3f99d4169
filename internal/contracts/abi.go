package contracts

// ERC20ABI covers the subset of the token standard used for spend
// authorization.
const ERC20ABI = `[
  {
    "type": "function",
    "name": "approve",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "spender", "type": "address"},
      {"name": "amount", "type": "uint256"}
    ],
    "outputs": [{"name": "", "type": "bool"}]
  },
  {
    "type": "function",
    "name": "allowance",
    "stateMutability": "view",
    "inputs": [
      {"name": "owner", "type": "address"},
      {"name": "spender", "type": "address"}
    ],
    "outputs": [{"name": "", "type": "uint256"}]
  }
]`

// Swap2pABI is the escrow contract surface the submitter calls.
const Swap2pABI = `[
  {
    "type": "function",
    "name": "fee",
    "stateMutability": "view",
    "inputs": [],
    "outputs": [{"name": "", "type": "uint256"}]
  },
  {
    "type": "function",
    "name": "createEscrow",
    "stateMutability": "payable",
    "inputs": [
      {"name": "XAssetAddress", "type": "address"},
      {"name": "XAmount", "type": "uint256"},
      {"name": "YAssetAddress", "type": "address"},
      {"name": "YAmount", "type": "uint256"},
      {"name": "YOwner", "type": "address"}
    ],
    "outputs": []
  }
]`
